// Package orchestrator реализует конечный автомат PipelineExecution.
//
// Orchestrator запускает pipeline, отправляя в очередь первую стадию,
// и продвигает execution по событиям очереди (он реализует queue.Listener):
//
//	idle ──dispatch──▶ running ──last stage ok──▶ completed
//	                      │
//	                      ├──stage failed──▶ error (fail-fast)
//	                      └──cancel──────▶ cancelled
//
// Каждый переход сохраняется в ExecutionStore. Кэш в памяти — реплика
// для чтения: execution, отсутствующий в кэше, загружается из Store
// и сверяется с историей jobs.
//
// Для каждого job публикуется ровно одно финальное событие
// (stage_complete или stage_failed), для pipeline — pipeline_complete.
package orchestrator
