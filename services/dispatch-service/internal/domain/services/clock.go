package services

import "time"

// Clock источник текущего времени. Все сроки задач и окна лимитера
// считаются по нему, а не по часам БД.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock часы процесса в UTC
var SystemClock Clock = systemClock{}
