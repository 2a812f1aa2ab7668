package queue

import "errors"

// Ошибки очереди.
var (
	// ErrQueueClosed — очередь остановлена и не принимает jobs.
	ErrQueueClosed = errors.New("queue is closed")

	// ErrJobInFlight — у стадии уже есть waiting или active job.
	ErrJobInFlight = errors.New("stage already has a job in flight")

	// ErrJobCancelled — job отменён вместе с pipeline.
	ErrJobCancelled = errors.New("job cancelled")

	// ErrShutdown — выполнение прервано остановкой процесса.
	ErrShutdown = errors.New("queue shutting down")

	// ErrInvalidJob — в submission не хватает обязательных полей.
	ErrInvalidJob = errors.New("invalid job")

	// ErrAlreadyStarted — Start() вызван повторно.
	ErrAlreadyStarted = errors.New("queue already started")
)
