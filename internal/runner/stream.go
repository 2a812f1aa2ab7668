package runner

import (
	"bytes"
	"strings"
)

// maxLine — длина, после которой незавершённая строка отдаётся наблюдателю.
const maxLine = 64 * 1024

// streamWriter сохраняет весь поток и режет его на строки для Observer.
// Каждый экземпляр пишется одной горутиной os/exec.
type streamWriter struct {
	stream  Stream
	buf     bytes.Buffer
	partial []byte
	emit    func(Stream, string)
}

func newStreamWriter(stream Stream, emit func(Stream, string)) *streamWriter {
	return &streamWriter{stream: stream, emit: emit}
}

// Write реализует io.Writer.
func (w *streamWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	w.partial = append(w.partial, p...)

	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emitLine(w.partial[:i])
		w.partial = w.partial[i+1:]
	}

	if len(w.partial) >= maxLine {
		w.emitLine(w.partial)
		w.partial = w.partial[:0]
	}

	return len(p), nil
}

func (w *streamWriter) emitLine(line []byte) {
	w.emit(w.stream, strings.TrimRight(string(line), "\r"))
}

// flush отдаёт хвост без перевода строки.
func (w *streamWriter) flush() {
	if len(w.partial) > 0 {
		w.emitLine(w.partial)
		w.partial = nil
	}
}

// String возвращает весь захваченный поток.
func (w *streamWriter) String() string {
	return w.buf.String()
}
