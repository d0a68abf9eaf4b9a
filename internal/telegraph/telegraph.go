package telegraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/zulandar/roundhouse/internal/router"
)

// ErrNoAdapter is returned when no adapter owns a JID.
var ErrNoAdapter = errors.New("telegraph: no adapter owns jid")

// Handler receives every inbound message from every adapter. It may be
// called from several goroutines at once.
type Handler func(ctx context.Context, msg InboundMessage)

// PathResolver maps a path inside a chat's worker container to a host path.
type PathResolver func(jid, containerPath string) (string, bool)

// HubOpts holds parameters for creating a Hub.
type HubOpts struct {
	Adapters      []Adapter
	Handler       Handler
	AssistantName string
	ResolvePath   PathResolver // optional; without it file directives are dropped
	Out           io.Writer    // defaults to os.Stdout
}

// Hub runs a set of adapters, pumps their inbound messages to one handler
// and routes outbound text to the adapter that owns the target JID.
type Hub struct {
	adapters []Adapter
	handler  Handler
	name     string
	resolve  PathResolver
	out      io.Writer

	mu      sync.Mutex
	running bool
}

// NewHub creates a Hub with the given options.
func NewHub(opts HubOpts) (*Hub, error) {
	if len(opts.Adapters) == 0 {
		return nil, fmt.Errorf("telegraph: at least one adapter is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("telegraph: handler is required")
	}
	if opts.AssistantName == "" {
		return nil, fmt.Errorf("telegraph: assistant name is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Hub{
		adapters: opts.Adapters,
		handler:  opts.Handler,
		name:     opts.AssistantName,
		resolve:  opts.ResolvePath,
		out:      out,
	}, nil
}

// Platforms lists the configured adapters' platform names.
func (h *Hub) Platforms() []string {
	names := make([]string, len(h.adapters))
	for i, a := range h.adapters {
		names[i] = a.Platform()
	}
	return names
}

// Run connects every adapter and pumps inbound messages to the handler
// until ctx is cancelled, then closes the adapters. A connect or listen
// failure closes whatever was already connected and is returned.
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return fmt.Errorf("telegraph: already running")
	}
	h.running = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
	}()

	var (
		wg      sync.WaitGroup
		started []Adapter
	)
	closeAll := func() {
		for _, a := range started {
			if err := a.Close(); err != nil {
				log.Printf("telegraph: close %s: %v", a.Platform(), err)
			}
		}
	}
	for _, a := range h.adapters {
		fmt.Fprintf(h.out, "telegraph: connecting %s...\n", a.Platform())
		if err := a.Connect(ctx); err != nil {
			closeAll()
			wg.Wait()
			return fmt.Errorf("telegraph: connect %s: %w", a.Platform(), err)
		}
		started = append(started, a)
		inbound, err := a.Listen(ctx)
		if err != nil {
			closeAll()
			wg.Wait()
			return fmt.Errorf("telegraph: listen %s: %w", a.Platform(), err)
		}
		wg.Add(1)
		go func(platform string, inbound <-chan InboundMessage) {
			defer wg.Done()
			for msg := range inbound {
				h.handler(ctx, msg)
			}
			fmt.Fprintf(h.out, "telegraph: %s inbound channel closed\n", platform)
		}(a.Platform(), inbound)
		fmt.Fprintf(h.out, "telegraph: %s online\n", a.Platform())
	}

	<-ctx.Done()
	fmt.Fprintf(h.out, "telegraph: shutting down...\n")
	closeAll()
	wg.Wait()
	fmt.Fprintf(h.out, "telegraph: stopped\n")
	return nil
}

// Owns reports whether any adapter owns jid.
func (h *Hub) Owns(jid string) bool {
	return h.adapterFor(jid) != nil
}

func (h *Hub) adapterFor(jid string) Adapter {
	for _, a := range h.adapters {
		if a.OwnsJID(jid) {
			return a
		}
	}
	return nil
}

// Send formats raw agent output and delivers it to the chat. Internal
// reasoning is stripped and an empty result sends nothing. Control
// directives are carried out instead of being posted.
func (h *Hub) Send(ctx context.Context, jid, raw string) error {
	a := h.adapterFor(jid)
	if a == nil {
		return fmt.Errorf("%w: %s", ErrNoAdapter, jid)
	}
	prefix := true
	if np, ok := a.(NamePrefixer); ok {
		prefix = np.PrefixAssistantName()
	}
	text := router.FormatOutbound(h.name, prefix, raw)
	if text == "" {
		return nil
	}
	if router.IsControl(text) {
		return h.sendDirective(ctx, a, jid, text)
	}
	if err := a.Send(ctx, OutboundMessage{ChatJID: jid, Text: text}); err != nil {
		return fmt.Errorf("telegraph: send %s: %w", jid, err)
	}
	return nil
}

func (h *Hub) sendDirective(ctx context.Context, a Adapter, jid, text string) error {
	d, ok := ParseDirective(text)
	if !ok {
		log.Printf("telegraph: unparseable directive for jid=%s, suppressing: %.120s", jid, text)
		return nil
	}
	switch d.Kind {
	case DirectiveReact:
		r, ok := a.(Reactor)
		if !ok {
			log.Printf("telegraph: %s cannot react, dropping reaction for jid=%s", a.Platform(), jid)
			return nil
		}
		if err := r.React(ctx, jid, d.MessageID, d.Emoji); err != nil {
			return fmt.Errorf("telegraph: react %s: %w", jid, err)
		}
		return nil
	case DirectiveReply:
		if d.Text == "" {
			return nil
		}
		if err := a.Send(ctx, OutboundMessage{ChatJID: jid, ReplyToID: d.MessageID, Text: d.Text}); err != nil {
			return fmt.Errorf("telegraph: reply %s: %w", jid, err)
		}
		return nil
	}

	// SEND_PHOTO, SEND_DOCUMENT, SEND_VIDEO.
	var path string
	if h.resolve != nil {
		path, ok = h.resolve(jid, d.Path)
	}
	if path == "" || !ok {
		log.Printf("telegraph: %s: file not found for jid=%s: %s", d.Kind, jid, d.Path)
		return nil
	}
	up, ok := a.(Uploader)
	if !ok {
		log.Printf("telegraph: %s cannot upload files, sending caption only for jid=%s", a.Platform(), jid)
		if d.Text == "" {
			return nil
		}
		return a.Send(ctx, OutboundMessage{ChatJID: jid, Text: d.Text})
	}
	if err := up.Upload(ctx, jid, Attachment{Kind: AttachmentKind(d.Kind), Path: path, Caption: d.Text}); err != nil {
		return fmt.Errorf("telegraph: upload %s: %w", jid, err)
	}
	return nil
}

// SetTyping toggles the typing indicator when the owning adapter supports
// it. Failures are logged and otherwise ignored.
func (h *Hub) SetTyping(ctx context.Context, jid string, typing bool) {
	t, ok := h.adapterFor(jid).(Typer)
	if !ok {
		return
	}
	if err := t.SetTyping(ctx, jid, typing); err != nil {
		log.Printf("telegraph: typing jid=%s: %v", jid, err)
	}
}
