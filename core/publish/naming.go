package publish

import (
	"fmt"
	"time"
)

// StampLayout renders a fixed-width UTC timestamp that sorts lexically in
// chronological order.
const StampLayout = "2006-01-02-15-04-05"

// Name is the filename and commit message for one checkpoint. The same
// filename is used locally and remotely.
type Name struct {
	Filename string
	Message  string
}

// NameFor derives the checkpoint name for job at ts. Two calls with the same
// job, event and wall-clock second return the same filename, so the second
// commit targets the same remote path as the first.
func NameFor(job string, ev Event, ts time.Time, ext string) Name {
	stamp := ts.UTC().Format(StampLayout)
	if ev.Kind == KindEpochEnd {
		epoch := ev.EpochIndex + 1
		return Name{
			Filename: fmt.Sprintf("%s-%s-epoch-%d%s", job, stamp, epoch, ext),
			Message:  fmt.Sprintf("Back up for %s epoch %d", job, epoch),
		}
	}
	return Name{
		Filename: fmt.Sprintf("%s-%s%s", job, stamp, ext),
		Message:  fmt.Sprintf("Back up for %s", job),
	}
}
