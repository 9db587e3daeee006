package systemd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/yllada/pia-tools/common"
)

// Runner executes a command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return out, nil
}

// Entry is a single journal record.
type Entry struct {
	Message   string
	Unit      string
	PID       uint32
	Timestamp time.Time
}

// Match selects journal entries. All set fields must match.
type Match struct {
	Unit string
	PID  uint32
}

func (m Match) args() []string {
	var args []string
	if m.Unit != "" {
		args = append(args, "_SYSTEMD_UNIT="+m.Unit)
	}
	if m.PID != 0 {
		args = append(args, "_PID="+strconv.FormatUint(uint64(m.PID), 10))
	}
	return args
}

// Journal reads entries through journalctl's JSON output.
type Journal struct {
	binary string
	run    Runner
}

// NewJournal returns a reader backed by the journalctl binary.
func NewJournal() *Journal {
	return &Journal{binary: "journalctl", run: execRunner}
}

// NewJournalWithRunner returns a reader that executes commands through run.
func NewJournalWithRunner(run Runner) *Journal {
	return &Journal{binary: "journalctl", run: run}
}

// Entries returns the matching entries, oldest first.
func (j *Journal) Entries(ctx context.Context, m Match) ([]Entry, error) {
	args := append([]string{"--output=json", "--no-pager", "--quiet"}, m.args()...)
	common.LogDebug("Reading journal: %s %v", j.binary, args)

	out, err := j.run(ctx, j.binary, args...)
	if err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}
	return ParseEntries(out)
}

// ParseEntries decodes journalctl --output=json lines.
// Malformed lines are skipped.
func ParseEntries(data []byte) ([]Entry, error) {
	var entries []Entry

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || !gjson.ValidBytes(line) {
			continue
		}

		rec := gjson.ParseBytes(line)
		e := Entry{
			Message: journalString(rec.Get("MESSAGE")),
			Unit:    rec.Get("_SYSTEMD_UNIT").String(),
		}
		if pid, err := strconv.ParseUint(rec.Get("_PID").String(), 10, 32); err == nil {
			e.PID = uint32(pid)
		}
		if usec, err := strconv.ParseInt(rec.Get("__REALTIME_TIMESTAMP").String(), 10, 64); err == nil {
			e.Timestamp = time.UnixMicro(usec)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("parsing journal output: %w", err)
	}

	return entries, nil
}

// journalString handles fields journalctl renders as byte arrays
// when they are not valid UTF-8.
func journalString(v gjson.Result) string {
	if !v.IsArray() {
		return v.String()
	}
	arr := v.Array()
	b := make([]byte, 0, len(arr))
	for _, c := range arr {
		b = append(b, byte(c.Int()))
	}
	return string(b)
}
