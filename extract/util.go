package extract

import "log"

func errMsg(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func firstErr(existing, next error) error {
	if existing != nil {
		return existing
	}
	return next
}

func anyNonEmpty(msgs []string) bool {
	for _, m := range msgs {
		if m != "" {
			return true
		}
	}
	return false
}

func nonEmpty(msgs []string) []string {
	var out []string
	for _, m := range msgs {
		if m != "" {
			out = append(out, m)
		}
	}
	return out
}

func logFunc(logger *log.Logger) func(error) {
	return func(err error) {
		if logger != nil && err != nil {
			logger.Printf("extract: %v", err)
		}
	}
}
