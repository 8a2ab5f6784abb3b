package transport

import (
	"context"
	"strconv"
	"sync"
)

// Memory is an in-process Transport double: Subscribe returns a channel
// fed by Deliver, and outbound calls are recorded for assertions instead
// of leaving the process. It exists for tests exercising the admin/user
// planes and the authorization engine without a real relay.
type Memory struct {
	mu   sync.Mutex
	subs map[string]chan Inbound

	Replies   []recordedReply
	Requests  []recordedRequest
	DMs       []recordedDM
	Published []recordedPublish
}

type recordedReply struct {
	Kind int
	To   string
	Resp Response
}

type recordedRequest struct {
	Kind int
	To   string
	Req  Request
}

type recordedDM struct {
	To      string
	Content string
}

type recordedPublish struct {
	Kind    int
	Content string
	Tags    [][]string
}

func NewMemory() *Memory {
	return &Memory{subs: map[string]chan Inbound{}}
}

func subKey(kind int, pubkey string) string {
	return pubkey + "\x00" + strconv.Itoa(kind)
}

func (m *Memory) Subscribe(ctx context.Context, kind int, pubkey string) (<-chan Inbound, error) {
	m.mu.Lock()
	ch, ok := m.subs[subKey(kind, pubkey)]
	if !ok {
		ch = make(chan Inbound, 16)
		m.subs[subKey(kind, pubkey)] = ch
	}
	m.mu.Unlock()

	out := make(chan Inbound, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case in, ok := <-ch:
				if !ok {
					return
				}
				out <- in
			}
		}
	}()
	return out, nil
}

// Deliver injects an inbound request as if it arrived from "from" on the
// channel addressed to "to" (recipient).
func (m *Memory) Deliver(kind int, to, from string, req Request) {
	m.mu.Lock()
	ch, ok := m.subs[subKey(kind, to)]
	if !ok {
		ch = make(chan Inbound, 16)
		m.subs[subKey(kind, to)] = ch
	}
	m.mu.Unlock()
	ch <- Inbound{Request: req, From: from, Recipient: to}
}

func (m *Memory) Reply(ctx context.Context, kind int, to string, resp Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Replies = append(m.Replies, recordedReply{Kind: kind, To: to, Resp: resp})
	return nil
}

func (m *Memory) SendRequest(ctx context.Context, kind int, to string, req Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, recordedRequest{Kind: kind, To: to, Req: req})
	return nil
}

func (m *Memory) DirectMessage(ctx context.Context, to, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DMs = append(m.DMs, recordedDM{To: to, Content: content})
	return nil
}

func (m *Memory) Publish(ctx context.Context, kind int, content string, tags [][]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Published = append(m.Published, recordedPublish{Kind: kind, Content: content, Tags: tags})
	return nil
}

// LastReplyTo returns the most recent reply sent to "to", if any.
func (m *Memory) LastReplyTo(to string) (Response, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Replies) - 1; i >= 0; i-- {
		if m.Replies[i].To == to {
			return m.Replies[i].Resp, true
		}
	}
	return Response{}, false
}

var _ Transport = (*Memory)(nil)
