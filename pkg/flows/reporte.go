package flows

import (
	"fmt"
	"strings"

	"github.com/rmedina/waflow/pkg/flow"
	"github.com/rmedina/waflow/pkg/provider"
	"github.com/rmedina/waflow/pkg/session"
)

// Report flow states. Capture collects the fields, confirmation holds the
// stashed summary until the user accepts or corrects it.
const (
	StateReporteCaptura      = "REPORTE_CAPTURA"
	StateReporteConfirmacion = "REPORTE_CONFIRMACION"

	buttonReporteConfirmar = "btn_reporte_confirmar"
	buttonReporteCorregir  = "btn_reporte_corregir"
)

// ReportFields are the fields an equipment report needs before it can be
// confirmed. The background OCR task targets the same list, so a label
// photo can fill them without the user typing anything.
var ReportFields = []string{"numero_serie", "marca", "ubicacion"}

// fieldAliases maps what users actually type to canonical field names.
var fieldAliases = map[string]string{
	"serie":        "numero_serie",
	"serial":       "numero_serie",
	"numero_serie": "numero_serie",
	"marca":        "marca",
	"ubicacion":    "ubicacion",
	"ubicación":    "ubicacion",
	"lugar":        "ubicacion",
}

// Reporte is the equipment report: a field-bag capture with OCR assist, an
// optional equipment binding, and a confirm/correct round before closing.
func Reporte() *flow.Flow {
	return &flow.Flow{
		Name:   "reporte",
		States: []string{StateReporteCaptura, StateReporteConfirmacion},
		Buttons: map[string]flow.ButtonBinding{
			ButtonReporte:          {Handler: "start"},
			buttonReporteConfirmar: {Handler: "accept"},
			buttonReporteCorregir:  {Handler: "correct"},
		},
		Handlers: map[string]string{
			StateReporteCaptura:      "capture",
			StateReporteConfirmacion: "confirm_prompt",
		},
		Callables: map[string]flow.HandlerFunc{
			"start":          startReporte,
			"capture":        captureReportField,
			"confirm_prompt": reportConfirmPrompt,
			"accept":         acceptReport,
			"correct":        correctReport,
		},
	}
}

func startReporte(c *flow.Context, _ *flow.Event) error {
	if err := c.ChangeState(StateReporteCaptura, map[string]any{}); err != nil {
		return err
	}
	return c.Reply("Vamos a levantar tu reporte 🛠️\n" +
		"Envíame una foto de la etiqueta del equipo, o escribe los datos uno por uno, " +
		"por ejemplo: serie ABC123. También puedes vincular el equipo con: equipo <código>.")
}

func captureReportField(c *flow.Context, ev *flow.Event) error {
	bag := flow.NewFieldBag(c, ReportFields)

	switch ev.Type {
	case flow.EventLocation:
		err := bag.UpdateField("ubicacion",
			fmt.Sprintf("%.5f,%.5f", ev.Latitude, ev.Longitude),
			flow.FieldMeta{Source: "location", Confidence: 1.0})
		if err != nil {
			return err
		}
	default:
		name, value, ok := parseReportField(ev.Text)
		if !ok {
			return replyMissing(bag)
		}
		if name == "equipo" {
			return attachReportEquipment(bag, value)
		}
		err := bag.UpdateField(name, value, flow.FieldMeta{Source: "user", Confidence: 1.0})
		if err != nil {
			return err
		}
	}

	if !bag.AllFieldsComplete() {
		return replyMissing(bag)
	}
	return requestReportConfirmation(bag)
}

func attachReportEquipment(bag *flow.FieldBag, code string) error {
	eq, err := bag.LookupEquipmentByCode(code)
	if err != nil {
		return bag.Reply("No encontré un equipo con ese código, verifica e intenta de nuevo.")
	}
	if err := bag.AttachEquipment(eq.ID); err != nil {
		return err
	}
	return bag.Replyf("Equipo vinculado: %s (%s).", eq.Name, eq.Code)
}

func requestReportConfirmation(bag *flow.FieldBag) error {
	summary := &strings.Builder{}
	summary.WriteString("Estos son los datos de tu reporte:\n")
	for _, name := range ReportFields {
		value, _ := bag.GetField(name)
		fmt.Fprintf(summary, "• %s: %v\n", name, value)
	}
	summary.WriteString("¿Todo correcto?")

	err := bag.RequestConfirmation(StateReporteConfirmacion, map[string]any{"confirmado": true})
	if err != nil {
		return err
	}
	return bag.ReplyButtons(summary.String(), []provider.Button{
		{ID: buttonReporteConfirmar, Title: "Confirmar"},
		{ID: buttonReporteCorregir, Title: "Corregir"},
	})
}

func reportConfirmPrompt(c *flow.Context, _ *flow.Event) error {
	return c.ReplyButtons("Usa los botones para confirmar o corregir tu reporte.", []provider.Button{
		{ID: buttonReporteConfirmar, Title: "Confirmar"},
		{ID: buttonReporteCorregir, Title: "Corregir"},
	})
}

func acceptReport(c *flow.Context, _ *flow.Event) error {
	bag := flow.NewFieldBag(c, ReportFields)
	if _, ok := bag.PendingConfirmation(); !ok {
		return c.Reply("No hay un reporte pendiente de confirmar.")
	}
	if err := bag.AcceptConfirmation(session.StateFinalizado); err != nil {
		return err
	}
	return c.Reply("Reporte registrado ✅ Un técnico te contactará pronto.")
}

func correctReport(c *flow.Context, _ *flow.Event) error {
	bag := flow.NewFieldBag(c, ReportFields)
	if err := bag.RejectConfirmation(StateReporteCaptura); err != nil {
		return err
	}
	return c.Reply("Sin problema. Envíame el dato corregido, por ejemplo: marca Dell.")
}

func replyMissing(bag *flow.FieldBag) error {
	missing := bag.GetMissingFields()
	if len(missing) == 0 {
		return requestReportConfirmation(bag)
	}
	done := bag.Completion()
	return bag.Replyf("Me faltan estos datos (%d de %d listos): %s.\nEnvíalos como 'campo valor' o manda una foto de la etiqueta.",
		done.Done, done.Total, strings.Join(missing, ", "))
}

// parseReportField splits "campo valor" input into a canonical field name
// and its value. The equipment binding keyword passes through unaliased.
func parseReportField(text string) (name, value string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	key := strings.ToLower(strings.TrimSpace(parts[0]))
	value = strings.TrimSpace(parts[1])
	if value == "" {
		return "", "", false
	}
	if key == "equipo" {
		return "equipo", value, true
	}
	canonical, known := fieldAliases[key]
	if !known {
		return "", "", false
	}
	return canonical, value, true
}
