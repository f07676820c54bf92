package realtime

import "time"

func closeDeadline() time.Time { return time.Now().Add(2 * time.Second) }
