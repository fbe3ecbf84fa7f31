// Package stream extracts structured agent output records from raw process
// output. Records are JSON objects framed by literal start and end marker
// lines; anything outside a marker pair is diagnostic noise.
package stream

// Output markers written by the agent around each JSON record.
const (
	StartMarker = "---OMNICLAW_OUTPUT_START---"
	EndMarker   = "---OMNICLAW_OUTPUT_END---"
)

// Frame wraps a JSON payload in output markers, one per line.
func Frame(payload []byte) []byte {
	out := make([]byte, 0, len(StartMarker)+len(EndMarker)+len(payload)+3)
	out = append(out, StartMarker...)
	out = append(out, '\n')
	out = append(out, payload...)
	out = append(out, '\n')
	out = append(out, EndMarker...)
	out = append(out, '\n')
	return out
}
