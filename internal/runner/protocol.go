package runner

import (
	"encoding/json"
)

// ParseResult находит последний JSON-объект верхнего уровня с ключом "status".
//
// Объекты декодируются целиком, поэтому вложенные структуры
// ({"outputs": {"metrics": {...}}}) разбираются корректно. Текст между
// объектами (логи стадии) пропускается. Кандидаты проверяются с конца,
// каждый байт stdout декодируется не более одного раза.
func ParseResult(stdout string) (map[string]any, bool) {
	spans := objectSpans(stdout)
	for i := len(spans) - 1; i >= 0; i-- {
		var obj map[string]any
		if err := json.Unmarshal([]byte(stdout[spans[i].start:spans[i].end]), &obj); err != nil {
			continue
		}
		if _, ok := obj["status"]; ok {
			return obj, true
		}
	}
	return nil, false
}

type span struct {
	start, end int
}

// objectSpans возвращает непересекающиеся парные {...} верхнего уровня.
// Внутри скобок учитываются строки JSON; перевод строки закрывает
// незавершённую строку. Незакрытые '{' из логов игнорируются.
func objectSpans(s string) []span {
	var (
		open     []int
		spans    []span
		inString bool
		escaped  bool
	)

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"', c == '\n':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = len(open) > 0
		case '{':
			open = append(open, i)
		case '}':
			n := len(open)
			if n == 0 {
				continue
			}
			start := open[n-1]
			open = open[:n-1]
			// Вложенные пары уже закрыты и лежат в конце списка.
			for len(spans) > 0 && spans[len(spans)-1].start > start {
				spans = spans[:len(spans)-1]
			}
			spans = append(spans, span{start: start, end: i + 1})
		}
	}
	return spans
}

// StructuredOutputs извлекает outputs из объекта результата.
// Если "outputs" не объект, возвращается весь объект.
func StructuredOutputs(obj map[string]any) map[string]any {
	if outputs, ok := obj["outputs"].(map[string]any); ok {
		return outputs
	}
	return obj
}

// ErrorDetail возвращает message из финального {"status":"error",...} в stderr.
func ErrorDetail(stderr string) string {
	obj, ok := ParseResult(stderr)
	if !ok {
		return ""
	}
	if status, _ := obj["status"].(string); status != "error" {
		return ""
	}
	msg, _ := obj["message"].(string)
	return msg
}
