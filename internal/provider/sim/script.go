package sim

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sweeney/dialmate/internal/provider"
)

// A call script is a sequence of blank-line separated blocks of
// "Key: Value" headers, played against a connection once it is placed:
//
//	Event: ringing
//	After: 1s
//
//	Event: callError
//	After: 2s
//	Code: 31005
//	Message: Connection error
//
// After is the delay since the previous step. Lines starting with '#'
// are comments.

// Block is one parsed block as an ordered set of headers.
type Block struct {
	headers []header
}

type header struct {
	Key   string
	Value string
}

// NewBlock creates a Block from key-value pairs.
func NewBlock(kvs ...string) Block {
	b := Block{}
	for i := 0; i+1 < len(kvs); i += 2 {
		b.headers = append(b.headers, header{Key: kvs[i], Value: kvs[i+1]})
	}
	return b
}

// Get returns the value for key, or empty string if absent.
func (b Block) Get(key string) string {
	for _, h := range b.headers {
		if strings.EqualFold(h.Key, key) {
			return h.Value
		}
	}
	return ""
}

// GetInt returns the integer value for key, or 0.
func (b Block) GetInt(key string) int {
	v, _ := strconv.Atoi(b.Get(key))
	return v
}

// GetDuration parses key as a Go duration, or returns 0.
func (b Block) GetDuration(key string) (time.Duration, error) {
	v := b.Get(key)
	if v == "" {
		return 0, nil
	}
	return time.ParseDuration(v)
}

// Parser reads blocks from a stream.
type Parser struct {
	scanner *bufio.Scanner
}

func NewParser(r io.Reader) *Parser {
	return &Parser{scanner: bufio.NewScanner(r)}
}

// Next returns the next block, or false at EOF.
func (p *Parser) Next() (Block, bool) {
	var headers []header

	for p.scanner.Scan() {
		line := strings.TrimRight(p.scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		if trimmed == "" {
			if len(headers) > 0 {
				return Block{headers: headers}, true
			}
			continue
		}

		idx := strings.Index(trimmed, ":")
		if idx < 0 {
			headers = append(headers, header{Key: "", Value: trimmed})
			continue
		}
		headers = append(headers, header{
			Key:   strings.TrimSpace(trimmed[:idx]),
			Value: strings.TrimSpace(trimmed[idx+1:]),
		})
	}

	if len(headers) > 0 {
		return Block{headers: headers}, true
	}
	return Block{}, false
}

// ParseAll reads every block from the stream.
func (p *Parser) ParseAll() []Block {
	var blocks []Block
	for {
		b, ok := p.Next()
		if !ok {
			return blocks
		}
		blocks = append(blocks, b)
	}
}

// Step is one scripted provider event.
type Step struct {
	After   time.Duration
	Event   provider.EventType
	Code    int
	Message string
}

// Script is an ordered list of steps.
type Script []Step

var scriptEvents = map[string]provider.EventType{
	"ringing":    provider.EventRinging,
	"accept":     provider.EventAccept,
	"answered":   provider.EventAccept,
	"disconnect": provider.EventDisconnect,
	"cancel":     provider.EventCancel,
	"callerror":  provider.EventCallError,
	"error":      provider.EventCallError,
}

// ParseScript reads a call script.
func ParseScript(r io.Reader) (Script, error) {
	var s Script
	for i, b := range NewParser(r).ParseAll() {
		name := b.Get("Event")
		ev, ok := scriptEvents[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("step %d: unknown event %q", i+1, name)
		}
		after, err := b.GetDuration("After")
		if err != nil {
			return nil, fmt.Errorf("step %d: after: %w", i+1, err)
		}
		s = append(s, Step{
			After:   after,
			Event:   ev,
			Code:    b.GetInt("Code"),
			Message: b.Get("Message"),
		})
	}
	if len(s) == 0 {
		return nil, fmt.Errorf("script has no steps")
	}
	return s, nil
}

// LoadScript reads a call script from a file.
func LoadScript(path string) (Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening script: %w", err)
	}
	defer f.Close()
	s, err := ParseScript(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return s, nil
}

// AnsweredCall rings, is answered, and is hung up by the far end after talk.
func AnsweredCall(talk time.Duration) Script {
	return Script{
		{After: 500 * time.Millisecond, Event: provider.EventRinging},
		{After: 2 * time.Second, Event: provider.EventAccept},
		{After: talk, Event: provider.EventDisconnect},
	}
}
