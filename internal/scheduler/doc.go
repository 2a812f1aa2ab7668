// Package scheduler запускает периодическое обслуживание очереди.
//
// Scheduler по cron-расписанию выполняет набор задач: восстановление
// jobs с истёкшей арендой, удаление старых завершённых jobs,
// обновление метрик глубины очереди, продолжение executions после сбоев.
//
// Структура:
//   - scheduler.go — Scheduler (Start, Stop, Tick)
//   - cron.go      — разбор расписаний, адаптер логгера для cron
//
// Использование:
//
//	sched, err := scheduler.New(scheduler.Config{
//	    Schedule: "@every 30s",
//	    Tasks: []scheduler.Task{
//	        {Name: "queue", Run: q.Maintain},
//	    },
//	    Logger: logger,
//	})
//
//	sched.Start(ctx)
//	defer sched.Stop(shutdownCtx)
//
// Задачи должны быть идемпотентны: при нескольких серверах
// они выполняются каждым из них.
package scheduler
