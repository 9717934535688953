package session

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vburojevic/agw/internal/domain"
)

// Delimiter is the frontmatter fence line.
const Delimiter = "---"

// maxFrontmatterBytes bounds how much of a session file the parser will read.
// The body after the closing delimiter is never read or buffered.
const maxFrontmatterBytes = 64 * 1024

var (
	// ErrNoFrontmatter means the file has no opening delimiter, or the
	// closing delimiter was not found before EOF / the read limit.
	ErrNoFrontmatter = errors.New("session file has no frontmatter")

	// ErrInvalidMetadata means a frontmatter block was found but its content
	// failed to parse as structured key-value data.
	ErrInvalidMetadata = errors.New("session frontmatter is not valid metadata")
)

// Parse reads the frontmatter of the session file at path and returns an
// immutable Session snapshot. File-not-found errors are returned wrapped and
// satisfy errors.Is(err, fs.ErrNotExist).
func Parse(path string) (*domain.Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()

	block, err := ExtractFrontmatter(f)
	if err != nil {
		return nil, err
	}

	state, err := parseState(block)
	if err != nil {
		return nil, err
	}

	return domain.NewSession(path, state, time.Now()), nil
}

// ExtractFrontmatter reads the delimited metadata block at the start of r.
// It returns ErrNoFrontmatter when the opening fence is not the first line or
// when no closing fence appears within the read limit. Only the frontmatter
// is consumed; the remainder of the stream is left unread.
func ExtractFrontmatter(r io.Reader) ([]byte, error) {
	br := bufio.NewReader(io.LimitReader(r, maxFrontmatterBytes))

	first, err := readLine(br)
	if err != nil {
		return nil, ErrNoFrontmatter
	}
	if strings.TrimRight(first, "\r") != Delimiter {
		return nil, ErrNoFrontmatter
	}

	var block bytes.Buffer
	for {
		line, err := readLine(br)
		if err != nil {
			// EOF (or the read limit) before a closing fence.
			return nil, ErrNoFrontmatter
		}
		if strings.TrimRight(line, "\r") == Delimiter {
			return block.Bytes(), nil
		}
		block.WriteString(line)
		block.WriteByte('\n')
	}
}

// readLine reads one line without its trailing newline. A final line with no
// newline is returned together with io.EOF by ReadString; treat it as a line.
func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// parseState decodes the frontmatter block into a SessionState. Field names
// are accepted in both snake_case and camelCase; unknown fields are kept in
// Extra, never rejected.
func parseState(block []byte) (domain.SessionState, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(block, &raw); err != nil {
		return domain.SessionState{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}

	state := domain.SessionState{Extra: map[string]interface{}{}}
	for key, value := range raw {
		switch key {
		case "steps_completed", "stepsCompleted":
			steps, err := parseSteps(value)
			if err != nil {
				return domain.SessionState{}, err
			}
			state.StepsCompleted = steps
		case "last_step", "lastStep":
			n, ok := asInt(value)
			if !ok {
				return domain.SessionState{}, fmt.Errorf("%w: last_step %v is not an integer", ErrInvalidMetadata, value)
			}
			state.LastStep = &n
		case "status":
			state.Status = fmt.Sprintf("%v", value)
		case "workflow_type", "workflowType":
			state.WorkflowType = fmt.Sprintf("%v", value)
		default:
			state.Extra[key] = value
		}
	}
	return state, nil
}

// parseSteps accepts a heterogeneous list of integer and string step IDs.
func parseSteps(value interface{}) ([]domain.Step, error) {
	list, ok := value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: steps_completed is not a list", ErrInvalidMetadata)
	}
	steps := make([]domain.Step, 0, len(list))
	for _, item := range list {
		if n, ok := asInt(item); ok {
			steps = append(steps, domain.IntStep(n))
			continue
		}
		if s, ok := item.(string); ok {
			steps = append(steps, domain.NamedStep(s))
			continue
		}
		return nil, fmt.Errorf("%w: step %v is neither integer nor string", ErrInvalidMetadata, item)
	}
	return steps, nil
}

func asInt(value interface{}) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}
