package tools

import "unicode"

type printableType interface {
	~string | ~[]rune | ~[]byte
}

// StripNonPrintable returns v with every non printable rune removed.
// Used to make client supplied values safe for log lines.
func StripNonPrintable[T printableType](v T) string {
	var result []rune

	switch v := any(v).(type) {
	case string:
		for _, r := range v {
			if unicode.IsPrint(r) {
				result = append(result, r)
			}
		}
	case []rune:
		for _, r := range v {
			if unicode.IsPrint(r) {
				result = append(result, r)
			}
		}
	case []byte:
		for _, r := range string(v) {
			if unicode.IsPrint(r) {
				result = append(result, r)
			}
		}
	}
	return string(result)
}

// IsPrintable reports whether every rune of s is printable.
// CR and LF in particular are refused, they would end an FTP command line.
func IsPrintable(s string) bool {
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
