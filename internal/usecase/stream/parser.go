package stream

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"

	"omniclaw/internal/domain"
)

// Default diagnostic buffer caps.
const (
	DefaultMaxStdoutBytes = 10 << 20
	DefaultMaxStderrBytes = 10 << 20
	DefaultMaxUnitBytes   = 10 << 20
)

// previewLen bounds how much of a malformed unit is logged.
const previewLen = 200

// Config configures a Parser.
type Config struct {
	MaxStdoutBytes int
	MaxStderrBytes int
	// MaxUnitBytes bounds an open unit awaiting its end marker. A unit that
	// grows past it is dropped as malformed.
	MaxUnitBytes int
	// Streaming enables incremental record emission from WriteStdout.
	// When false, records are only recovered by ParseFinal.
	Streaming bool
}

// State is a snapshot of parser state.
type State struct {
	Stdout          string `json:"stdout"`
	StdoutTruncated bool   `json:"stdout_truncated"`
	Stderr          string `json:"stderr"`
	StderrTruncated bool   `json:"stderr_truncated"`
	HadOutput       bool   `json:"had_output"`
	SessionID       string `json:"session_id,omitempty"`
	Records         int    `json:"records"`
	Malformed       int    `json:"malformed"`
}

// Parser is the incremental output protocol parser for one agent run.
// Marker detection runs on the live chunk stream and is independent of the
// capped diagnostic buffers. Not safe for concurrent use.
type Parser struct {
	logger    *slog.Logger
	streaming bool

	stdout *cappedBuffer
	stderr *cappedBuffer

	// pending holds scanned-but-unconsumed stdout: either a suffix that may
	// begin a start marker, or an open unit awaiting its end marker.
	pending    []byte
	maxPending int

	// final caches ParseFinal for the stdout it was computed from.
	final        *finalParse
	finalCounted bool

	sessionID string
	hadOutput bool
	records   int
	malformed int
}

type finalParse struct {
	written   int64
	rec       domain.OutputRecord
	err       error
	malformed int
}

// NewParser creates a Parser. Zero caps fall back to the defaults.
func NewParser(cfg Config, logger *slog.Logger) *Parser {
	if cfg.MaxStdoutBytes <= 0 {
		cfg.MaxStdoutBytes = DefaultMaxStdoutBytes
	}
	if cfg.MaxStderrBytes <= 0 {
		cfg.MaxStderrBytes = DefaultMaxStderrBytes
	}
	if cfg.MaxUnitBytes <= 0 {
		cfg.MaxUnitBytes = DefaultMaxUnitBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{
		logger:     logger,
		streaming:  cfg.Streaming,
		stdout:     newCappedBuffer(cfg.MaxStdoutBytes),
		stderr:     newCappedBuffer(cfg.MaxStderrBytes),
		maxPending: cfg.MaxUnitBytes,
	}
}

// Streaming reports whether incremental emission is enabled.
func (p *Parser) Streaming() bool { return p.streaming }

// WriteStdout records a stdout chunk and, in streaming mode, returns every
// record completed by it, in input order.
func (p *Parser) WriteStdout(chunk []byte) []domain.OutputRecord {
	_, _ = p.stdout.Write(chunk)
	if !p.streaming || len(chunk) == 0 {
		return nil
	}

	p.pending = append(p.pending, chunk...)
	var out []domain.OutputRecord
	for {
		start := bytes.Index(p.pending, []byte(StartMarker))
		if start < 0 {
			// Keep just enough to complete a start marker split across chunks.
			if keep := len(StartMarker) - 1; len(p.pending) > keep {
				p.pending = append(p.pending[:0], p.pending[len(p.pending)-keep:]...)
			}
			break
		}
		bodyStart := start + len(StartMarker)
		end := bytes.Index(p.pending[bodyStart:], []byte(EndMarker))
		if end < 0 {
			if start > 0 {
				p.pending = append(p.pending[:0], p.pending[start:]...)
			}
			if len(p.pending) > p.maxPending {
				p.malformed++
				p.logger.Warn("oversized output unit dropped",
					"limit", p.maxPending,
					"preview", preview(p.pending[len(StartMarker):]),
				)
				keep := len(StartMarker) - 1
				p.pending = append(p.pending[:0], p.pending[len(p.pending)-keep:]...)
			}
			break
		}
		body := p.pending[bodyStart : bodyStart+end]
		if rec, ok := p.decode(body, true); ok {
			p.accept(rec)
			out = append(out, rec)
		}
		p.pending = p.pending[bodyStart+end+len(EndMarker):]
	}
	return out
}

// WriteStderr records a stderr chunk.
func (p *Parser) WriteStderr(chunk []byte) {
	_, _ = p.stderr.Write(chunk)
}

// StderrTail returns at most the last n captured stderr bytes.
func (p *Parser) StderrTail(n int) string {
	return strings.TrimSpace(p.stderr.Tail(n))
}

// ParseFinal recovers the final record from the accumulated stdout buffer.
// The last valid marker pair wins. With no markers at all, the last
// non-empty line is decoded as a record. Anything else is ErrProtocol.
// Repeated calls over the same stdout return the cached result, and the
// final record is counted once.
func (p *Parser) ParseFinal() (domain.OutputRecord, error) {
	written := p.stdout.TotalWritten()
	if f := p.final; f != nil && f.written == written {
		return f.rec, f.err
	}

	// Streaming mode already counted and logged malformed units.
	count := !p.streaming
	before := p.malformed
	if prev := p.final; prev != nil && count {
		before -= prev.malformed
		p.malformed = before
	}
	rec, fromMarkers, err := p.parseFinal(count)
	if err == nil {
		p.hadOutput = true
		if rec.NewSessionID != "" {
			p.sessionID = rec.NewSessionID
		}
		if !p.finalCounted && !(p.streaming && fromMarkers) {
			p.records++
		}
		p.finalCounted = true
	}
	p.final = &finalParse{written: written, rec: rec, err: err, malformed: p.malformed - before}
	return rec, err
}

func (p *Parser) parseFinal(count bool) (domain.OutputRecord, bool, error) {
	text := p.stdout.String()

	var (
		last      domain.OutputRecord
		found     bool
		sawMarker bool
	)
	rest := text
	for {
		start := strings.Index(rest, StartMarker)
		if start < 0 {
			break
		}
		sawMarker = true
		bodyStart := start + len(StartMarker)
		end := strings.Index(rest[bodyStart:], EndMarker)
		if end < 0 {
			break
		}
		if rec, ok := p.decode([]byte(rest[bodyStart:bodyStart+end]), count); ok {
			last, found = rec, true
		}
		rest = rest[bodyStart+end+len(EndMarker):]
	}
	if found {
		return last, true, nil
	}
	if sawMarker {
		return domain.OutputRecord{}, false, domain.NewSubSystemError("stream", "Parser.ParseFinal", domain.ErrProtocol, "no valid output between markers")
	}

	line := lastNonEmptyLine(text)
	if line == "" {
		return domain.OutputRecord{}, false, domain.NewSubSystemError("stream", "Parser.ParseFinal", domain.ErrProtocol, "no output")
	}
	var rec domain.OutputRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return domain.OutputRecord{}, false, domain.NewSubSystemError("stream", "Parser.ParseFinal", domain.ErrProtocol, "last line is not a valid output record: "+err.Error())
	}
	return rec, false, nil
}

// State returns a snapshot of the parser.
func (p *Parser) State() State {
	return State{
		Stdout:          p.stdout.String(),
		StdoutTruncated: p.stdout.Truncated(),
		Stderr:          p.stderr.String(),
		StderrTruncated: p.stderr.Truncated(),
		HadOutput:       p.hadOutput,
		SessionID:       p.sessionID,
		Records:         p.records,
		Malformed:       p.malformed,
	}
}

// HadOutput reports whether any valid record was parsed.
func (p *Parser) HadOutput() bool { return p.hadOutput }

// SessionID returns the most recent non-empty session id.
func (p *Parser) SessionID() string { return p.sessionID }

// decode parses one unit body. count controls whether a failure is
// counted and logged.
func (p *Parser) decode(body []byte, count bool) (domain.OutputRecord, bool) {
	body = bytes.TrimSpace(body)
	var rec domain.OutputRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		if !count {
			return domain.OutputRecord{}, false
		}
		p.malformed++
		p.logger.Warn("malformed output unit skipped",
			"error", err,
			"preview", preview(body),
		)
		return domain.OutputRecord{}, false
	}
	return rec, true
}

func (p *Parser) accept(rec domain.OutputRecord) {
	p.hadOutput = true
	p.records++
	if rec.NewSessionID != "" {
		p.sessionID = rec.NewSessionID
	}
}

func lastNonEmptyLine(text string) string {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

func preview(b []byte) string {
	if len(b) > previewLen {
		return string(b[:previewLen]) + "..."
	}
	return string(b)
}
