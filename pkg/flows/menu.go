package flows

import (
	"github.com/rmedina/waflow/pkg/flow"
	"github.com/rmedina/waflow/pkg/provider"
	"github.com/rmedina/waflow/pkg/session"
)

// Menu owns the resting state: any free-text message arriving on an idle
// session gets the option buttons. The options themselves are bound by the
// flows they start.
func Menu() *flow.Flow {
	return &flow.Flow{
		Name:     "menu",
		States:   []string{session.StateInicio},
		Handlers: map[string]string{session.StateInicio: "show_menu"},
		Callables: map[string]flow.HandlerFunc{
			"show_menu": showMenu,
		},
	}
}

func showMenu(c *flow.Context, _ *flow.Event) error {
	return c.ReplyButtons("Hola 👋 Soy el asistente virtual. ¿En qué puedo ayudarte?", []provider.Button{
		{ID: ButtonConsulta, Title: "Consultar documento"},
		{ID: ButtonReporte, Title: "Reportar un equipo"},
		{ID: ButtonEncuesta, Title: "Responder encuesta"},
	})
}
