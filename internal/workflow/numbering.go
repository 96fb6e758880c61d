package workflow

import (
	"strconv"

	"github.com/pitabwire/procflow/model"
)

// AssignNumber sets inst.No to the process prefix followed by the instance
// ID. It needs a stored instance and never renumbers one.
func AssignNumber(p *model.Process, inst model.ProcessInstance) (model.ProcessInstance, bool) {
	if inst.No != "" || inst.ID == 0 {
		return inst, false
	}
	inst.No = p.Prefix + strconv.FormatInt(inst.ID, 10)
	return inst, true
}
