package backend

import (
	"fmt"

	"omniclaw/internal/domain"
)

// PrepareInput binds input to group and validates it. Backends call it
// before any process exists, so failures are returned as errors.
func PrepareInput(group domain.RegisteredGroup, input *domain.AgentInput) error {
	if err := domain.ValidateFolder(group.Folder); err != nil {
		return err
	}
	if input.GroupFolder == "" {
		input.GroupFolder = group.Folder
	}
	if input.ChatJID == "" {
		input.ChatJID = group.JID
	}
	input.IsMain = group.IsMain
	if err := input.Validate(); err != nil {
		return err
	}
	if input.GroupFolder != group.Folder {
		return domain.NewSubSystemError("backend", "PrepareInput", domain.ErrInvalidInput,
			fmt.Sprintf("input folder %q does not match group %q", input.GroupFolder, group.Folder))
	}
	return nil
}
