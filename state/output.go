package state

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"goa.design/clue/log"
)

// jobIDAlphabet is the 36-character set used for the random job ID suffix.
const jobIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// newJobID mints an identifier of the form job-YYYY-MM-DD-xxxxxx where the
// suffix is six random lowercase base36 characters.
func newJobID(now time.Time) (string, error) {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("mint job id: %w", err)
	}
	suffix := make([]byte, len(buf))
	for i, b := range buf {
		suffix[i] = jobIDAlphabet[int(b)%len(jobIDAlphabet)]
	}
	return fmt.Sprintf("job-%s-%s", now.Format("2006-01-02"), suffix), nil
}

// AppendOutput implements Store. Appends are serialized by the sequence
// lock; each message becomes exactly one JSON line.
func (s *FileStore) AppendOutput(ctx context.Context, jobID string, msg OutputMessage) (OutputMessage, error) {
	path, err := s.jobOutputPath(jobID)
	if err != nil {
		return OutputMessage{}, err
	}

	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	next, ok := s.seqs[jobID]
	if !ok {
		// First append since startup: recover the counter from disk so
		// sequence numbers stay monotonic across supervisor restarts.
		stored, err := s.readOutputLocked(ctx, path, 0)
		if err != nil {
			return OutputMessage{}, err
		}
		for _, m := range stored {
			if m.Seq > next {
				next = m.Seq
			}
		}
	}
	next++
	msg.Seq = next
	if msg.TS.IsZero() {
		msg.TS = s.now().UTC()
	}

	line, err := json.Marshal(msg)
	if err != nil {
		return OutputMessage{}, fmt.Errorf("encode output message: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return OutputMessage{}, &IoError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return OutputMessage{}, &IoError{Op: "append", Path: path, Err: err}
	}
	s.seqs[jobID] = next
	return msg, nil
}

// ReadOutput implements Store.
func (s *FileStore) ReadOutput(ctx context.Context, jobID string, fromSeq int) ([]OutputMessage, error) {
	path, err := s.jobOutputPath(jobID)
	if err != nil {
		return nil, err
	}
	return s.readOutputLocked(ctx, path, fromSeq)
}

// readOutputLocked reads the JSONL stream line by line. A final partial line
// (torn by a crash mid-append) is discarded; an undecodable interior line
// ends the read at that point with a log entry rather than an error.
func (s *FileStore) readOutputLocked(ctx context.Context, path string, fromSeq int) ([]OutputMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &IoError{Op: "read", Path: path, Err: err}
	}
	lines := bytes.Split(data, []byte{'\n'})
	complete := len(lines)
	if len(data) > 0 && data[len(data)-1] != '\n' {
		complete-- // trailing partial line
	}
	var out []OutputMessage
	for i := 0; i < complete; i++ {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 {
			continue
		}
		var msg OutputMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			log.Info(ctx, log.KV{K: "msg", V: "truncating corrupt output log"},
				log.KV{K: "path", V: path}, log.KV{K: "line", V: i + 1})
			break
		}
		if msg.Seq > fromSeq {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (s *FileStore) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return writeAtomic(path, append(data, '\n'))
}

// readJSONRecover mirrors readYAMLRecover for JSON documents.
func (s *FileStore) readJSONRecover(ctx context.Context, path string, v any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		log.Info(ctx, log.KV{K: "msg", V: "corrupt state file, using defaults"},
			log.KV{K: "path", V: path}, log.KV{K: "err", V: err.Error()})
		return false
	}
	return true
}
