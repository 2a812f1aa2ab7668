// Package progress переводит вывод стадии в грубый процент выполнения.
//
// Это UX-подсказка, а не гарантия: неизвестный вывод просто не даёт
// обновления и никогда не влияет на результат стадии.
package progress

import "strings"

// Marker — подстрока вывода и соответствующий ей процент.
type Marker struct {
	Substring string `koanf:"substring" json:"substring"`
	Percent   int    `koanf:"percent" json:"percent"`
}

// DefaultMarkers — словарь по умолчанию.
var DefaultMarkers = []Marker{
	{Substring: "processing", Percent: 30},
	{Substring: "training", Percent: 60},
	{Substring: "completed", Percent: 90},
}

// Heuristic сопоставляет фрагменты вывода со словарём маркеров.
// Безопасен для конкурентного использования (не изменяется после создания).
type Heuristic struct {
	markers []Marker
}

// New создаёт Heuristic. Пустой словарь заменяется DefaultMarkers.
func New(markers []Marker) *Heuristic {
	if len(markers) == 0 {
		markers = DefaultMarkers
	}
	normalized := make([]Marker, 0, len(markers))
	for _, m := range markers {
		if m.Substring == "" {
			continue
		}
		p := m.Percent
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		normalized = append(normalized, Marker{Substring: strings.ToLower(m.Substring), Percent: p})
	}
	return &Heuristic{markers: normalized}
}

// MapOutputChunk возвращает процент первого маркера словаря, найденного в chunk.
// Регистр не учитывается. ok=false — обновления нет.
func (h *Heuristic) MapOutputChunk(chunk string) (percent int, ok bool) {
	if chunk == "" {
		return 0, false
	}
	lower := strings.ToLower(chunk)
	for _, m := range h.markers {
		if strings.Contains(lower, m.Substring) {
			return m.Percent, true
		}
	}
	return 0, false
}

// Markers возвращает копию словаря.
func (h *Heuristic) Markers() []Marker {
	return append([]Marker(nil), h.markers...)
}
