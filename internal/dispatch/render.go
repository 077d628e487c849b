package dispatch

import (
	"strings"

	"namozbot/internal/schedule"
	"namozbot/internal/store"
)

// Rendering produces the Telegram HTML for one notification from its kind
// and stored payload alone. Uzbek is the primary language; anything else
// falls back to a plain English form.

const iftarDua = "Allohumma laka sumtu va bika aamantu va a'layka tavakkaltu va a'la rizqika aftartu."

var labelsUZ = map[store.Kind]string{
	store.KindFajr:           "Bomdod vaqti",
	store.KindDhuhr:          "Peshin vaqti",
	store.KindAsr:            "Asr vaqti",
	store.KindMaghrib:        "Shom vaqti",
	store.KindIsha:           "Xufton vaqti",
	store.KindImsak:          "Og'iz yopish vaqti",
	store.KindIftar:          "Og'iz ochish vaqti",
	store.KindMorningSummary: "Bugungi namoz vaqtlari",
	store.KindEveningSummary: "Ertangi jadval",
}

var timesRowsUZ = []struct{ key, label string }{
	{"fajr", "Bomdod"},
	{"dhuhr", "Peshin"},
	{"asr", "Asr"},
	{"maghrib", "Shom"},
	{"isha", "Xufton"},
	{"imsak", "Saharlik tugashi (Imsak)"},
}

// Render builds the message text for a claimed notification.
func Render(n store.Notification, lang string) string {
	p := schedule.DecodePayload(n.Payload)
	uz := lang == "" || strings.EqualFold(lang, "uz")

	switch n.Kind {
	case store.KindMorningSummary, store.KindEveningSummary:
		return renderSummary(n.Kind, p, uz)
	case store.KindIftar:
		if uz {
			return "🌙 <b>" + labelsUZ[n.Kind] + "</b> — <b>" + p.LocalTime + "</b>\n\n" +
				"🤲 <b>Iftor duosi</b>\n" + iftarDua
		}
		return "IFTAR — " + p.LocalTime
	case store.KindImsak:
		if uz {
			return "🌙 <b>" + labelsUZ[n.Kind] + "</b> — <b>" + p.LocalTime + "</b>"
		}
		return "IMSAK — " + p.LocalTime
	default:
		if label, ok := labelsUZ[n.Kind]; ok && uz {
			return "🕌 <b>" + label + "</b> — <b>" + p.LocalTime + "</b>"
		}
		if p.LocalTime != "" {
			return string(n.Kind) + " — " + p.LocalTime
		}
		// Unknown kind with no clock time; send something rather than nothing.
		if uz {
			return "Eslatma"
		}
		return "Reminder"
	}
}

func renderSummary(kind store.Kind, p schedule.Payload, uz bool) string {
	var b strings.Builder
	if uz {
		b.WriteString("<b>")
		b.WriteString(labelsUZ[kind])
		b.WriteString("</b>\n")
		for _, row := range timesRowsUZ {
			v := p.Times[row.key]
			if v == "" {
				continue
			}
			b.WriteString("\n")
			b.WriteString(row.label)
			b.WriteString(": <b>")
			b.WriteString(v)
			b.WriteString("</b>")
		}
		return b.String()
	}

	b.WriteString("<b>")
	b.WriteString(string(kind))
	b.WriteString("</b>\n")
	for _, row := range timesRowsUZ {
		v := p.Times[row.key]
		if v == "" {
			continue
		}
		b.WriteString("\n")
		b.WriteString(strings.ToUpper(row.key[:1]))
		b.WriteString(row.key[1:])
		b.WriteString(" ")
		b.WriteString(v)
	}
	return b.String()
}
