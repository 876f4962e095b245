// Package mailbox implements the filesystem command channels.
//
// A channel is a directory plus a filename prefix. Senders drop numbered
// one-shot files, receivers drain them in sequence order and delete them.
// Delivery is at-most-once from the sender's perspective: a receiver crash
// between read and delete loses the message, a delete failure after a
// successful read can replay it. Handlers are written to tolerate both.
package mailbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prism-pipeline/pandora/pkg/command"
)

// Channel prefixes. Direction is encoded in the name: "In" is into a slave,
// "Out" is out of the writing process towards the coordinator.
const (
	PrefixSlaveIn    = "slaveIn_"    // coordinator -> slave
	PrefixSlaveOut   = "slaveOut_"   // slave -> coordinator
	PrefixHandlerOut = "handlerOut_" // workstation -> coordinator
)

// Message is one drained command with its channel metadata.
type Message struct {
	Seq     int
	Sent    time.Time
	Command command.Command
}

// Channel is one directional mailbox.
type Channel struct {
	Dir    string
	Prefix string
}

// New returns a channel over dir with the given filename prefix.
func New(dir, prefix string) Channel {
	return Channel{Dir: dir, Prefix: prefix}
}

// Send writes cmd as the next numbered message file. The sequence number is
// one past the highest currently present, so ordering survives partial
// drains on the receiver side.
func (c Channel) Send(cmd command.Command) error {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return err
	}
	seq, err := c.nextSeq()
	if err != nil {
		return err
	}
	payload, err := command.Encode(cmd)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s%04d_%f.txt", c.Prefix, seq, float64(time.Now().UnixNano())/1e9)
	return os.WriteFile(filepath.Join(c.Dir, name), payload, 0o644)
}

// Drain reads, parses and deletes every pending message, in sequence order,
// and returns the parseable ones. Malformed files are deleted and reported
// through onError; they are never retried. A non-blocking poll: an empty or
// missing directory yields nothing.
func (c Channel) Drain(onError func(file string, err error)) ([]Message, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type pending struct {
		name string
		seq  int
		sent time.Time
	}
	var files []pending
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), c.Prefix) {
			continue
		}
		seq, sent, ok := parseName(c.Prefix, e.Name())
		if !ok {
			continue
		}
		files = append(files, pending{e.Name(), seq, sent})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].seq < files[j].seq })

	var msgs []Message
	for _, f := range files {
		path := filepath.Join(c.Dir, f.name)
		data, err := os.ReadFile(path)
		if err != nil {
			if onError != nil {
				onError(f.name, err)
			}
			os.Remove(path)
			continue
		}
		cmd, err := command.Decode(data)
		// Consumed either way: a malformed message must not wedge the
		// channel by being re-read forever.
		if rerr := os.Remove(path); rerr != nil && onError != nil {
			onError(f.name, fmt.Errorf("consumed but not deleted: %w", rerr))
		}
		if err != nil {
			if onError != nil {
				onError(f.name, err)
			}
			continue
		}
		msgs = append(msgs, Message{Seq: f.seq, Sent: f.sent, Command: cmd})
	}
	return msgs, nil
}

func (c Channel) nextSeq() (int, error) {
	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		return 0, err
	}
	max := -1
	for _, e := range entries {
		if seq, _, ok := parseName(c.Prefix, e.Name()); ok && seq > max {
			max = seq
		}
	}
	return max + 1, nil
}

// parseName splits "<prefix><seq>_<unixfloat>.txt" into its parts.
func parseName(prefix, name string) (int, time.Time, bool) {
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".txt") {
		return 0, time.Time{}, false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".txt")
	parts := strings.SplitN(rest, "_", 2)
	if len(parts) != 2 {
		return 0, time.Time{}, false
	}
	seq, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, time.Time{}, false
	}
	ts, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return seq, time.Unix(sec, nsec), true
}
