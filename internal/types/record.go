package types

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Issues persist as plain-text records: a key=value header block, a blank
// line, then the free-text body. List fields are comma-joined. Optional
// booleans are omitted entirely when unset so absent and false stay distinct.

// MarshalRecord serializes the issue to its persistence format.
func (i *Issue) MarshalRecord() []byte {
	var b bytes.Buffer

	writeField := func(key, value string) {
		fmt.Fprintf(&b, "%s=%s\n", key, value)
	}

	writeField("id", i.ID)
	writeField("title", i.Title)
	writeField("state", string(i.State))
	if i.Parent != "" {
		writeField("parent", i.Parent)
	}
	// Children is always emitted, even when empty: an empty list round-trips
	// as empty, not as absent.
	writeField("children", strings.Join(i.Children, ","))
	writeField("split_count", strconv.Itoa(i.SplitCount))
	writeField("verify_count", strconv.Itoa(i.VerifyCount))
	if i.VerifyExhausted {
		writeField("verify_exhausted", "true")
	}
	if i.NeedsInterview != nil {
		writeField("needs_interview", strconv.FormatBool(*i.NeedsInterview))
	}
	if i.IsVerifyFix {
		writeField("is_verify_fix", "true")
	}
	writeField("input_tokens", strconv.FormatInt(i.InputTokens, 10))
	writeField("output_tokens", strconv.FormatInt(i.OutputTokens, 10))
	writeField("total_duration", i.TotalDuration.String())
	writeField("iterations", strconv.Itoa(i.Iterations))
	writeField("run_count", strconv.Itoa(i.RunCount))
	if !i.CreatedAt.IsZero() {
		writeField("created_at", i.CreatedAt.UTC().Format(time.RFC3339Nano))
	}
	if !i.UpdatedAt.IsZero() {
		writeField("updated_at", i.UpdatedAt.UTC().Format(time.RFC3339Nano))
	}

	b.WriteString("\n")
	b.WriteString(i.Body)
	return b.Bytes()
}

// ParseRecord parses the persistence format produced by MarshalRecord.
// The body is everything after the first blank line, byte for byte.
func ParseRecord(data []byte) (*Issue, error) {
	issue := &Issue{}

	header := string(data)
	body := ""
	if idx := strings.Index(header, "\n\n"); idx >= 0 {
		body = header[idx+2:]
		header = header[:idx]
	}

	for lineNo, line := range strings.Split(header, "\n") {
		if line == "" {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, fmt.Errorf("malformed header at line %d: %q", lineNo+1, line)
		}

		if err := issue.setField(key, value); err != nil {
			return nil, fmt.Errorf("header field %q at line %d: %w", key, lineNo+1, err)
		}
	}

	issue.Body = body

	if issue.ID == "" {
		return nil, fmt.Errorf("record is missing id")
	}
	if !issue.State.IsValid() {
		return nil, fmt.Errorf("record has invalid state %q", issue.State)
	}
	return issue, nil
}

func (i *Issue) setField(key, value string) error {
	switch key {
	case "id":
		i.ID = value
	case "title":
		i.Title = value
	case "state":
		i.State = State(value)
	case "parent":
		i.Parent = value
	case "children":
		if value == "" {
			i.Children = []string{}
		} else {
			i.Children = strings.Split(value, ",")
		}
	case "split_count":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		i.SplitCount = n
	case "verify_count":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		i.VerifyCount = n
	case "verify_exhausted":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		i.VerifyExhausted = b
	case "needs_interview":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		i.NeedsInterview = &b
	case "is_verify_fix":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		i.IsVerifyFix = b
	case "input_tokens":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		i.InputTokens = n
	case "output_tokens":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		i.OutputTokens = n
	case "total_duration":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		i.TotalDuration = d
	case "iterations":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		i.Iterations = n
	case "run_count":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		i.RunCount = n
	case "created_at":
		t, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return err
		}
		i.CreatedAt = t
	case "updated_at":
		t, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return err
		}
		i.UpdatedAt = t
	default:
		// Unknown keys are preserved forward-compatibly by ignoring them.
	}
	return nil
}
