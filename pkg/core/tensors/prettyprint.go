package tensors

import (
	"fmt"
	"strings"
)

// maxElementsPrinted by Tensor.String. Larger tensors are summarized.
const maxElementsPrinted = 32

// String implements fmt.Stringer. Large tensors are summarized: only the first elements are printed.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	if !t.Ok() {
		return fmt.Sprintf("Tensor(invalid, shape=%s)", t.shape)
	}
	return t.Summary(maxElementsPrinted)
}

// Summary returns a one-line description of the tensor, with at most precision elements printed.
func (t *Tensor) Summary(precision int) string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "%s: [", t.shape)
	switch flat := t.flat.(type) {
	case []float32:
		writeFlat(&sb, flat, precision)
	case []uint64:
		writeFlat(&sb, flat, precision)
	}
	sb.WriteString("]")
	return sb.String()
}

func writeFlat[T Supported](sb *strings.Builder, flat []T, precision int) {
	for ii, v := range flat {
		if ii >= precision {
			_, _ = fmt.Fprintf(sb, " ...(%d more)", len(flat)-ii)
			return
		}
		if ii > 0 {
			sb.WriteString(" ")
		}
		_, _ = fmt.Fprintf(sb, "%v", v)
	}
}
