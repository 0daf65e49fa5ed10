package secretary

import (
	"fmt"
	"strings"
	"time"

	"github.com/hackgods/clinic-scheduling-assistant/internal/appointment"
)

func (r *Router) formatTime(t time.Time) string {
	return t.In(r.d.Location).Format("Mon 02/01/2006 at 15:04")
}

func (r *Router) formatList(title string, appts []appointment.Appointment) string {
	var b strings.Builder
	b.WriteString(title)
	for _, a := range appts {
		fmt.Fprintf(&b, "\n#%d - %s (%s)", a.ID, r.formatTime(*a.ScheduledFor), a.Status)
	}
	return b.String()
}

func (r *Router) formatListing(l appointment.Listing) string {
	if len(l.Upcoming) == 0 && len(l.Past) == 0 {
		return "You have no appointments scheduled at the moment."
	}
	var parts []string
	if len(l.Upcoming) > 0 {
		parts = append(parts, r.formatList("Upcoming appointments:", l.Upcoming))
	}
	if len(l.Past) > 0 {
		var b strings.Builder
		b.WriteString("Previous appointments:")
		for _, a := range l.Past {
			fmt.Fprintf(&b, "\n%s", r.formatTime(*a.ScheduledFor))
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n\n")
}
