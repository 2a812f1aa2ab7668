// Package runner запускает процессы стадий pipeline.
//
// # Обзор
//
// Runner — граница между движком и внешними исполняемыми файлами стадий.
// Один вызов Run = один процесс = один domain.StageResult. Run никогда
// не возвращает ошибку: ошибки запуска, ненулевой код выхода, таймаут и
// отмена превращаются в результат с Success=false.
//
// # Протокол стадии
//
// Процесс запускается как
//
//	<executable> [arguments...] <configFile> <stageId>
//
// с рабочей директорией ScriptsRoot и закрытым stdin. Стадия должна
// завершиться с кодом 0 при успехе и напечатать в stdout финальный
// JSON-объект вида
//
//	{"status": "success", "stage": "<id>", "outputs": {...}}
//
// Берётся последний объект верхнего уровня с ключом "status";
// вложенные объекты поддерживаются. Если "outputs" — объект, он становится
// StructuredOutputs, иначе используется весь объект. Отсутствие объекта
// не ошибка: StructuredOutputs = {} и предупреждение в лог.
//
// При неудаче стадия может напечатать в stderr
//
//	{"status": "error", "stage": "<id>", "message": "..."}
//
// message попадает в ErrorMessage.
//
// Артефакты — файлы в <OutputsRoot>/<pipelineId>/<stageId>/ (рекурсивно,
// в лексикографическом порядке). Отсутствующая директория — пустой список.
//
// # Отмена
//
// Отмена контекста отправляет процессу SIGTERM, через KillGrace — SIGKILL.
// Run всё равно дожидается завершения процесса.
package runner
