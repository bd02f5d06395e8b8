package coerce

import (
	"encoding/base64"
	"fmt"
	"time"
)

// Key renders a value as a stable lookup key. Values that compare equal
// under Equal render the same key, so 3, int64(3) and 3.0 share one.
func Key(v any) string {
	switch x := Normalize(v).(type) {
	case nil:
		return "nil"
	case time.Time:
		return "t:" + x.Format(time.RFC3339Nano)
	case []byte:
		return "b:" + base64.StdEncoding.EncodeToString(x)
	case int64:
		return fmt.Sprintf("n:%d", x)
	case float64:
		if i, err := Int64(x); err == nil {
			return fmt.Sprintf("n:%d", i)
		}
		return fmt.Sprintf("f:%x", FloatBits(x))
	default:
		return fmt.Sprintf("%T:%v", x, x)
	}
}
