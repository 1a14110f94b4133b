package retry

import (
	"context"

	"github.com/pkg/errors"
)

// Policy задаёт повторы явно. При Idempotent=false повтор разрешён
// только для ошибок, помеченных Safe. Так вызывающая сторона говорит,
// что запрос не ушёл или что сверка его не нашла.
type Policy struct {
	Attempts   int // всего попыток, включая первую
	Backoff    Backoff
	Idempotent bool
}

// Once даёт ровно один повтор, для чтения истории.
func Once(b Backoff) Policy { return Policy{Attempts: 2, Backoff: b, Idempotent: true} }

// Classifier решает, можно ли повторить после ошибки.
type Classifier func(err error) bool

type safeError struct{ error }

func (e safeError) Unwrap() error { return e.error }

// Safe помечает ошибку неидемпотентного вызова как безопасную для повтора.
func Safe(err error) error {
	if err == nil {
		return nil
	}
	return safeError{err}
}

// IsSafe сообщает, помечена ли ошибка через Safe.
func IsSafe(err error) bool {
	var s safeError
	return errors.As(err, &s)
}

// Do выполняет fn до Attempts раз, пока classify разрешает повтор.
// Возвращает последнюю ошибку.
func (p Policy) Do(ctx context.Context, classify Classifier, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if attempt == attempts || classify == nil || !classify(err) {
			return err
		}
		if !p.Idempotent && !IsSafe(err) {
			return err
		}
		if !Sleep(ctx, p.Backoff.Next(attempt)) {
			return errors.Wrap(ctx.Err(), err.Error())
		}
	}
	return err
}
