package events

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/shaiso/Conveyor/internal/domain"
)

// SSEWriter пишет ProgressEvent в формате Server-Sent Events.
// Init вызывается один раз до первого события.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter оборачивает ResponseWriter. Без http.Flusher события
// могут буферизоваться.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	f, _ := w.(http.Flusher)
	return &SSEWriter{w: w, flusher: f}
}

// Init выставляет заголовки SSE и отправляет их клиенту.
func (sw *SSEWriter) Init() {
	h := sw.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	sw.w.WriteHeader(http.StatusOK)
	sw.flush()
}

// WriteEvent пишет кадр:
//
//	event: <type>
//	data: {json}
func (sw *SSEWriter) WriteEvent(ev *domain.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sse: marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("sse: write event: %w", err)
	}
	sw.flush()
	return nil
}

// WriteComment пишет комментарий (keep-alive).
func (sw *SSEWriter) WriteComment(text string) error {
	if _, err := fmt.Fprintf(sw.w, ": %s\n\n", text); err != nil {
		return fmt.Errorf("sse: write comment: %w", err)
	}
	sw.flush()
	return nil
}

func (sw *SSEWriter) flush() {
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
}

// Message — событие, прочитанное из SSE-потока, или ошибка его разбора.
type Message struct {
	Event domain.ProgressEvent
	Err   error
}

// ReadEvents читает SSE-поток body и отправляет события в канал.
// Канал закрывается по концу потока, ошибке чтения или отмене ctx;
// body закрывается при завершении.
//
// Строки "data:" одного события склеиваются через перевод строки,
// комментарии (":") и прочие поля игнорируются. Некорректный JSON
// даёт Message с Err, чтение продолжается.
func ReadEvents(ctx context.Context, body io.ReadCloser) <-chan Message {
	ch := make(chan Message)
	go func() {
		defer close(ch)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var data strings.Builder

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			if !scanner.Scan() {
				if data.Len() > 0 {
					emit(ctx, ch, data.String())
				}
				if err := scanner.Err(); err != nil && ctx.Err() == nil {
					send(ctx, ch, Message{Err: fmt.Errorf("sse: read: %w", err)})
				}
				return
			}

			line := scanner.Text()
			switch {
			case line == "":
				if data.Len() > 0 {
					emit(ctx, ch, data.String())
					data.Reset()
				}
			case strings.HasPrefix(line, ":"):
			case strings.HasPrefix(line, "data:"):
				payload := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
				if data.Len() > 0 {
					data.WriteByte('\n')
				}
				data.WriteString(payload)
			}
		}
	}()
	return ch
}

func emit(ctx context.Context, ch chan<- Message, raw string) {
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg.Event); err != nil {
		msg = Message{Err: fmt.Errorf("sse: unmarshal event: %w", err)}
	}
	send(ctx, ch, msg)
}

func send(ctx context.Context, ch chan<- Message, msg Message) {
	select {
	case ch <- msg:
	case <-ctx.Done():
	}
}
