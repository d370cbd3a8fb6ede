package flows

import (
	"fmt"

	"github.com/rmedina/waflow/pkg/flow"
	"github.com/rmedina/waflow/pkg/provider"
)

// StateEncuestaComentario waits for the optional free-text comment after a
// score has been picked.
const StateEncuestaComentario = "ENCUESTA_COMENTARIO"

// Encuesta is the satisfaction survey. The score buttons carry the score as
// a static binding parameter and use the passthrough prefix, so a survey
// sent at the end of another flow still works after the session finished.
func Encuesta() *flow.Flow {
	buttons := map[string]flow.ButtonBinding{
		ButtonEncuesta: {Handler: "start"},
	}
	for score := 1; score <= 5; score++ {
		buttons[fmt.Sprintf("%s%d", SurveyButtonPrefix, score)] = flow.ButtonBinding{
			Handler: "record_score",
			Params:  map[string]any{"score": score},
		}
	}

	return &flow.Flow{
		Name:    "encuesta",
		States:  []string{StateEncuestaComentario},
		Buttons: buttons,
		Handlers: map[string]string{
			StateEncuestaComentario: "record_comment",
		},
		Callables: map[string]flow.HandlerFunc{
			"start":          startEncuesta,
			"record_score":   recordScore,
			"record_comment": recordComment,
		},
	}
}

func startEncuesta(c *flow.Context, _ *flow.Event) error {
	rows := make([]provider.ListRow, 0, 5)
	for score := 5; score >= 1; score-- {
		rows = append(rows, provider.ListRow{
			ID:    fmt.Sprintf("%s%d", SurveyButtonPrefix, score),
			Title: fmt.Sprintf("%d %s", score, scoreLabel(score)),
		})
	}
	return c.ReplyList("¿Qué tan satisfecho quedaste con la atención?", "Calificar", []provider.ListSection{
		{Title: "Calificación", Rows: rows},
	})
}

func recordScore(c *flow.Context, _ *flow.Event) error {
	score := paramInt(c.Params, "score")
	if score == 0 {
		return c.Reply("No pude registrar tu calificación, intenta de nuevo.")
	}
	if err := c.ChangeState(StateEncuestaComentario, map[string]any{"score": score}); err != nil {
		return err
	}
	return c.Reply("¡Gracias! ¿Quieres dejar un comentario? Escríbelo, o responde no para terminar.")
}

func recordComment(c *flow.Context, ev *flow.Event) error {
	data, err := c.Data()
	if err != nil {
		return err
	}
	if normalizeAnswer(ev.Text) != "no" {
		data["comentario"] = ev.Text
	}
	if err := c.UpdateData(data); err != nil {
		return err
	}
	if err := c.Finalize(); err != nil {
		return err
	}
	return c.Reply("Gracias por tu tiempo 🙌 Tu opinión nos ayuda a mejorar.")
}

func scoreLabel(score int) string {
	switch score {
	case 5:
		return "Excelente"
	case 4:
		return "Bueno"
	case 3:
		return "Regular"
	case 2:
		return "Malo"
	default:
		return "Muy malo"
	}
}

// paramInt tolerates both int (in-process registration) and float64 (JSON
// round-tripped) parameter values.
func paramInt(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
