package models

import (
	"sort"
	"time"
)

// Quota не более MaxActions изменяющих действий за скользящее окно Window
type Quota struct {
	MaxActions int           `json:"max_actions"`
	Window     time.Duration `json:"window"`
}

// Unlimited квота не задана
func (q Quota) Unlimited() bool {
	return q.MaxActions <= 0 || q.Window <= 0
}

// Live возвращает отсортированные отметки, еще не покинувшие окно
func (q Quota) Live(entries []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-q.Window)
	live := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		if e.After(cutoff) {
			live = append(live, e)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Before(live[j]) })
	return live
}

// RetryAfter время, через которое резерв веса weight станет возможен.
// live должны быть отсортированы по возрастанию, extra учитывает
// резервы, которые еще не попали в журнал.
func (q Quota) RetryAfter(live []time.Time, extra, weight int, now time.Time) time.Duration {
	if weight > q.MaxActions {
		return q.Window
	}

	excess := len(live) + extra + weight - q.MaxActions
	if excess <= 0 {
		return 0
	}
	if excess > len(live) {
		// место освободится только после завершения уже выданных задач
		return q.Window
	}

	retry := live[excess-1].Add(q.Window).Sub(now)
	if retry <= 0 {
		retry = time.Second
	}
	return retry
}

// Reservation итог резерва в лимитере
type Reservation struct {
	Allowed    bool          `json:"allowed"`
	RetryAfter time.Duration `json:"retry_after"`
	Remaining  int           `json:"remaining"`
}

// RateUsage текущее заполнение окна для панели управления
type RateUsage struct {
	Marketplace Marketplace   `json:"marketplace"`
	Used        int           `json:"used"`
	Pending     int           `json:"pending"`
	Limit       int           `json:"limit"`
	Window      time.Duration `json:"window"`
	ResetsIn    time.Duration `json:"resets_in"`
}
