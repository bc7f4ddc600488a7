package backoff

import "time"

// Policy задаёт экспоненциальную задержку переподключения:
// delay = min(Base * 2^(attempt-1), Max), не более MaxAttempts попыток подряд.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Default возвращает значения по умолчанию для Twitch клиента и клиента потока.
func Default() Policy {
	return Policy{Base: time.Second, Max: 30 * time.Second, MaxAttempts: 10}
}

// Delay возвращает задержку перед попыткой attempt (нумерация с 1).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.Max > 0 && delay >= p.Max {
			return p.Max
		}
	}

	if p.Max > 0 && delay > p.Max {
		return p.Max
	}
	return delay
}

// Exhausted сообщает, что после attempt неудачных попыток пора сдаваться.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}
