// Package engine отвечает за описание pipeline.
//
// Включает:
//   - parser.go — загрузка PipelineSpec из YAML/JSON и нормализация
//   - errors.go — ошибки валидации
//
// Стадии pipeline выполняются строго в порядке объявления, поэтому
// валидация сводится к проверке идентификаторов, исполняемых файлов
// и конфигурации каждой стадии.
package engine
