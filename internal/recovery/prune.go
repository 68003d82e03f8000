package recovery

import "github.com/kalambet/respond/internal/schema"

// Prune returns a copy of req that no longer references expired state. The
// previous response reference is always dropped, since it carries the
// conversation's containers along with it. Explicit container bindings are
// reset to auto only when bound to resourceID, or all of them when
// resourceID is empty. req itself is never modified.
func Prune(req schema.Request, resourceID string) schema.Request {
	out := req.Clone()
	out.PreviousResponseID = ""

	for i := range out.Tools {
		c := out.Tools[i].Container
		if c == nil || c.ID == "" {
			continue
		}
		if resourceID == "" || c.BoundTo(resourceID) {
			out.Tools[i].Container = schema.AutoContainer()
		}
	}
	return out
}

// boundContainers counts tools bound to an explicit container.
func boundContainers(req schema.Request) int {
	n := 0
	for _, t := range req.Tools {
		if t.Container != nil && t.Container.ID != "" {
			n++
		}
	}
	return n
}
