package omx

import (
	"sync"

	"go.uber.org/zap"
)

// mailbox is the single ingress for node messages. OnMessage never blocks
// the node's callback goroutine; the codec's dispatcher drains the queue.
type mailbox struct {
	mu     sync.Mutex
	queue  []Message
	closed bool
	signal chan struct{}
	quit   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		signal: make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
}

func (m *mailbox) OnMessage(msg Message) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue
	m.queue = nil
	return q
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.quit)
}

func (c *Codec) dispatchLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.mbox.signal:
		case <-c.mbox.quit:
			return
		}
		for _, msg := range c.mbox.take() {
			c.mu.Lock()
			c.onMessage(msg)
			c.notify()
			c.mu.Unlock()
		}
	}
}

// onMessage applies one node message. Callers hold c.mu.
func (c *Codec) onMessage(msg Message) {
	switch msg.Type {
	case MessageEvent:
		c.onEvent(msg)
	case MessageEmptyBufferDone:
		c.onEmptyBufferDone(msg)
	case MessageFillBufferDone:
		c.onFillBufferDone(msg)
	default:
		c.log.Warn("unknown node message", zap.Uint8("type", uint8(msg.Type)))
	}
}

func (c *Codec) onEvent(msg Message) {
	switch msg.Event {
	case EventCmdComplete:
		c.onCmdComplete(msg.Command, msg.Param)

	case EventError:
		if msg.Code == ErrorSameState {
			c.log.Debug("node reported same state, ignoring")
			return
		}
		c.fail("node event", &NodeError{Code: msg.Code})

	case EventPortSettingsChanged:
		c.onPortSettingsChanged(PortIndex(msg.Param))

	case EventBufferFlag:
		if PortIndex(msg.Param) == PortOutput && msg.Flags&FlagEOS != 0 {
			c.log.Debug("node flagged end of output")
			c.noMoreOutput = true
		}

	default:
		c.log.Warn("unknown node event", zap.Stringer("event", msg.Event))
	}
}

func (c *Codec) onCmdComplete(cmd Command, param uint32) {
	c.log.Debug("command complete", zap.Stringer("cmd", cmd), zap.Uint32("param", param))
	switch cmd {
	case CommandStateSet:
		c.onStateChange(NodeState(param))
	case CommandPortDisable:
		c.onPortDisabled(PortIndex(param))
	case CommandPortEnable:
		c.onPortEnabled(PortIndex(param))
	case CommandFlush:
		if PortIndex(param) == PortAll {
			c.onFlushComplete(PortInput)
			c.onFlushComplete(PortOutput)
			return
		}
		c.onFlushComplete(PortIndex(param))
	}
}
