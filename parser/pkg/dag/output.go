package dag

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// OutputGraph returns a hierarchical representation of the DAG. A task with
// several upstream tasks is printed under the first one reached.
func (d *DAG) OutputGraph() string {
	var buffer bytes.Buffer
	visited := make(map[string]bool)

	fmt.Fprintf(&buffer, "%s (%s)\n", d.ID, d.Schedule)
	for _, root := range d.Roots() {
		d.writeTaskHierarchy(&buffer, root, 1, visited)
	}
	return buffer.String()
}

func (d *DAG) writeTaskHierarchy(buffer *bytes.Buffer, id string, level int, visited map[string]bool) {
	for range level {
		buffer.WriteString("  ")
	}
	if visited[id] {
		fmt.Fprintf(buffer, "- %s (see above)\n", id)
		return
	}
	visited[id] = true

	fmt.Fprintf(buffer, "- %s [%s]", id, d.Tasks[id].Kind)
	if desc := d.Tasks[id].Description; desc != "" {
		fmt.Fprintf(buffer, " %s", desc)
	}
	buffer.WriteString("\n")

	for _, child := range d.Downstream[id] {
		d.writeTaskHierarchy(buffer, child, level+1, visited)
	}
}

type taskJSON struct {
	ID               string   `json:"id"`
	Kind             TaskKind `json:"kind"`
	Upstream         []string `json:"upstream"`
	Downstream       []string `json:"downstream"`
	ExecutionTimeout string   `json:"execution_timeout,omitempty"`
	Retries          int      `json:"retries"`
	RetryDelay       string   `json:"retry_delay"`
	PriorityWeight   int      `json:"priority_weight"`
}

type dagJSON struct {
	ID       string     `json:"id"`
	Schedule string     `json:"schedule"`
	Tasks    []taskJSON `json:"tasks"`
}

func (d *DAG) MarshalJSON() ([]byte, error) {
	out := dagJSON{ID: d.ID, Schedule: d.Schedule, Tasks: make([]taskJSON, 0, len(d.order))}
	for _, id := range d.order {
		t := d.Tasks[id]
		tj := taskJSON{
			ID:             id,
			Kind:           t.Kind,
			Upstream:       d.UpstreamOf(id),
			Downstream:     d.DownstreamOf(id),
			PriorityWeight: t.PriorityWeight,
		}
		if tj.Upstream == nil {
			tj.Upstream = []string{}
		}
		if tj.Downstream == nil {
			tj.Downstream = []string{}
		}
		if t.ExecutionTimeout > 0 {
			tj.ExecutionTimeout = t.ExecutionTimeout.String()
		}
		if t.Retry != nil {
			tj.Retries = t.Retry.Retries
			tj.RetryDelay = t.Retry.Delay.String()
		}
		out.Tasks = append(out.Tasks, tj)
	}
	return json.Marshal(out)
}
