// Package flows ships the built-in conversational workflows: the entry
// menu, a document query, a satisfaction survey, and an equipment report.
// Each flow is a plain flow.Flow value; RegisterAll wires them into a
// registry. The business rules here are deliberately thin, the flows exist
// to exercise the engine contracts end to end.
package flows

import (
	"fmt"

	"github.com/rmedina/waflow/pkg/flow"
)

// Button ids are global across flows; the btn_<flow>_ convention keeps them
// from colliding.
const (
	ButtonConsulta = "btn_consulta"
	ButtonReporte  = "btn_reporte"
	ButtonEncuesta = "btn_encuesta"
)

// SurveyButtonPrefix marks the survey answer buttons that must keep working
// after a session has finished. Wire it into ManagerConfig.PassthroughPrefixes.
const SurveyButtonPrefix = "btn_encuesta_"

// RegisterAll registers every built-in flow.
func RegisterAll(reg *flow.Registry) error {
	for _, f := range []*flow.Flow{Menu(), Consulta(), Encuesta(), Reporte()} {
		if err := reg.Register(f); err != nil {
			return fmt.Errorf("failed to register flow %s: %w", f.Name, err)
		}
	}
	return nil
}
