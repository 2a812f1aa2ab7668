// Package queue — приоритетная очередь стадий и пул воркеров.
//
// # Обзор
//
// Queue принимает StageSubmission, сохраняет job в Store и выполняет его
// одним из воркеров через Runner. Store — источник истины: waiting jobs,
// аренды активных jobs и флаги отмены переживают перезапуск процесса.
//
// Жизненный цикл job:
//
//	waiting ──claim──▶ active ──▶ completed
//	   ▲                 │
//	   └──retry(backoff)─┤
//	                     └──▶ failed
//
// # Гарантии
//
//   - Job выполняется не более чем одним воркером одновременно (ClaimNext атомарен).
//   - Для каждой стадии pipeline существует не более одного незавершённого job.
//   - Каждый job, достигший финального статуса, порождает ровно одно
//     уведомление JobCompleted или JobFailed.
//   - Число попыток не превышает MaxAttempts; задержки между попытками
//     не убывают (base * 2^(attempt-1), не больше BackoffMax).
//
// # Слушатели
//
// Listener получает события жизненного цикла синхронно, из горутины воркера,
// поэтому события одного job упорядочены. События из других процессов
// (conveyor-worker) доставляются через Deliver.
//
// # Восстановление
//
// Воркер продлевает аренду heartbeat'ом. Maintain() находит jobs с истёкшей
// арендой (процесс упал) и возвращает их в очередь или помечает failed,
// а также удаляет старые завершённые jobs по правилам хранения.
package queue
