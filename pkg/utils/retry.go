package utils

import (
	"time"
)

func Retry(attempts int, sleep time.Duration, f func() error) error {
	var err error
	for i := 0; ; i++ {
		err = f()
		if err == nil {
			return nil
		}

		if i >= (attempts - 1) {
			break
		}

		time.Sleep(sleep)
		sleep *= 2
	}
	return err
}

// Usage in db.go:
// err := utils.Retry(30, time.Second, func() error {
//     return connect(databaseURL)
// })
