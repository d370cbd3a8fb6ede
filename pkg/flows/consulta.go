package flows

import (
	"strings"

	"github.com/rmedina/waflow/pkg/flow"
	"github.com/rmedina/waflow/pkg/provider"
)

// StateConsultaDocumentos is the single state of the document-query flow.
// The step counter in the scratchpad distinguishes choosing a document
// from confirming the request.
const StateConsultaDocumentos = "CONSULTA_DOCUMENTOS"

var consultaDocumentos = map[string]string{
	"doc_factura":  "factura",
	"doc_contrato": "contrato",
	"doc_garantia": "garantía",
}

// Consulta is a two-step document query: pick a document from a list, then
// confirm. It exercises the sequential context and list replies.
func Consulta() *flow.Flow {
	callables := map[string]flow.HandlerFunc{
		"start":         startConsulta,
		"pick_document": pickDocument,
		"answer":        consultaAnswer,
	}

	buttons := map[string]flow.ButtonBinding{
		ButtonConsulta: {Handler: "start"},
	}
	for rowID, doc := range consultaDocumentos {
		buttons[rowID] = flow.ButtonBinding{
			Handler: "pick_document",
			Params:  map[string]any{"documento": doc},
		}
	}

	return &flow.Flow{
		Name:      "consulta",
		States:    []string{StateConsultaDocumentos},
		Buttons:   buttons,
		Handlers:  map[string]string{StateConsultaDocumentos: "answer"},
		Callables: callables,
	}
}

func startConsulta(c *flow.Context, _ *flow.Event) error {
	if err := c.ChangeState(StateConsultaDocumentos, map[string]any{}); err != nil {
		return err
	}
	return sendDocumentList(c)
}

func sendDocumentList(c *flow.Context) error {
	return c.ReplyList("¿Qué documento necesitas?", "Ver documentos", []provider.ListSection{
		{
			Title: "Documentos",
			Rows: []provider.ListRow{
				{ID: "doc_factura", Title: "Factura", Description: "Tu factura más reciente"},
				{ID: "doc_contrato", Title: "Contrato", Description: "Contrato vigente"},
				{ID: "doc_garantia", Title: "Garantía", Description: "Póliza de garantía"},
			},
		},
	})
}

func pickDocument(c *flow.Context, _ *flow.Event) error {
	doc, _ := c.Params["documento"].(string)
	if doc == "" {
		return sendDocumentList(c)
	}
	seq := flow.NewSequential(c)
	if err := seq.AdvanceStep(map[string]any{"documento": doc}); err != nil {
		return err
	}
	return c.Replyf("Perfecto, buscaré tu %s. ¿Confirmas el envío? Responde sí o no.", doc)
}

func consultaAnswer(c *flow.Context, ev *flow.Event) error {
	seq := flow.NewSequential(c)
	if seq.Step() == 0 {
		// Still choosing: the user typed instead of using the list.
		return sendDocumentList(c)
	}

	switch normalizeAnswer(ev.Text) {
	case "si":
		data, err := c.Data()
		if err != nil {
			return err
		}
		doc, _ := data["documento"].(string)
		if err := seq.Complete(); err != nil {
			return err
		}
		return c.Replyf("Listo ✅ Te enviaremos tu %s a este número en las próximas horas.", doc)
	case "no":
		if err := seq.RetreatStep(); err != nil {
			return err
		}
		return sendDocumentList(c)
	default:
		return c.Reply("No te entendí. Responde sí para confirmar o no para elegir otro documento.")
	}
}

func normalizeAnswer(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	switch s {
	case "si", "sí", "s", "yes", "ok", "dale", "confirmo":
		return "si"
	case "no", "n", "cancelar":
		return "no"
	}
	return s
}
