// Package cli реализует инструмент командной строки Conveyor.
//
// # Обзор
//
// CLI — клиентская утилита для взаимодействия с Conveyor API.
// Работает через HTTP. Из внутренних пакетов импортирует только
// domain (типы событий) и events (чтение SSE-потока).
//
// # Ключевые компоненты
//
// ## Client
//
// HTTP-клиент для Conveyor API. Инкапсулирует HTTP-запросы,
// парсинг ответов (DataResponse, ListResponse, ErrorResponse)
// и обработку ошибок. WatchPipeline читает поток событий
// /api/v1/pipelines/{id}/events через отдельный http.Client без таймаута.
//
//	client := cli.NewClient("http://localhost:8080")
//	p, err := client.GetPipeline(id, false)
//
// ## Output
//
// Печать ответов API по типам записей: Pipelines, Pipeline, Jobs, Job,
// QueueStats, Submitted, Event. Списки выводятся таблицами, одиночные
// записи карточками ключ/значение (text/tabwriter), пустые поля как "-".
// С флагом --json печатается ответ API как есть; watch пишет события
// в формате JSON Lines.
//
// Данные выводятся в stdout, сообщения (Notice/Warn) — в stderr.
// Это позволяет использовать pipe: conveyor pipeline watch p1 --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - pipeline: list, start, status, cancel, jobs, watch
//   - stage: submit
//   - job: show
//   - queue: stats
//
// Каждая группа создаётся через фабричную функцию (NewPipelineCmd и т.д.),
// принимающую clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli
