package bot

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"sigcast/internal/delivery"
	"sigcast/internal/pipeline"
	"sigcast/internal/signals"
	"sigcast/internal/storage"
	"sigcast/pkg/tgui"
)

const (
	cbScope      = "sig"
	cbToggle     = "toggle"
	cbList       = "list"
	listAll      = "all"
	listFeatured = "featured"
)

func statusIcon(s delivery.Status) string {
	switch s {
	case delivery.StatusPosting:
		return "📤"
	case delivery.StatusSuccess:
		return "✅"
	case delivery.StatusError:
		return "❌"
	default:
		return "⏳"
	}
}

func renderSignals(st pipeline.State, catalog *signals.Catalog, all bool) tgui.Message {
	ids := catalog.List()
	if !all {
		ids = catalog.Featured(signals.DefaultFeatured)
	}
	fetched := setOf(st.Fetched)
	loading := setOf(st.InFlight)

	b := tgui.New().Title("📡", "Signals")
	b.KV("selected", strconv.Itoa(len(st.Selection))+" of "+strconv.Itoa(catalog.Len()))
	if len(st.Selection) > 0 {
		b.Blank()
		for i, id := range st.Selection {
			state := "no data"
			switch {
			case loading[id]:
				state = "loading"
			case fetched[id]:
				state = "fetched"
			}
			b.Line(fmt.Sprintf("%d. %s (%s)", i+1, id, state))
		}
	}

	btns := make([]tele.Btn, 0, len(ids))
	for _, id := range ids {
		label := string(id)
		switch {
		case loading[id]:
			label = "⏳ " + label
		case slices.Contains(st.Selection, id):
			label = "✅ " + label
		}
		data, err := tgui.Data(cbScope, cbToggle, string(id))
		if err != nil {
			continue
		}
		btns = append(btns, tgui.Btn(label, data))
	}
	kb := tgui.NewInline().Grid(3, btns)
	if catalog.Len() > signals.DefaultFeatured {
		if all {
			data, _ := tgui.Data(cbScope, cbList, listFeatured)
			kb.Row(tgui.Btn("Show fewer", data))
		} else {
			data, _ := tgui.Data(cbScope, cbList, listAll)
			kb.Row(tgui.Btn("Show all", data))
		}
	}
	return b.Inline(kb).Build()
}

func setOf(ids []signals.ID) map[signals.ID]bool {
	m := make(map[signals.ID]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func yesNo(ok bool) string {
	if ok {
		return "✅"
	}
	return "❌"
}

func renderStatus(st pipeline.State, next time.Time) tgui.Message {
	b := tgui.New().Title("📊", "Status")
	b.KV("mode", string(st.Mode))
	b.KV("selection", strings.Join(signals.Strings(st.Selection), ", "))
	b.KV("fetched", strconv.Itoa(len(st.Fetched)))
	b.KV("messages", strconv.Itoa(len(st.Messages)))
	if st.LastRunID != "" {
		ok := 0
		for _, r := range st.Records {
			if r.Status == delivery.StatusSuccess {
				ok++
			}
		}
		b.KV("last run", fmt.Sprintf("%s (%d/%d)", shortID(st.LastRunID), ok, len(st.Records)))
	}
	var busy []string
	if st.IsLoading {
		busy = append(busy, "loading")
	}
	if st.IsGenerating {
		busy = append(busy, "generating")
	}
	if st.IsPosting {
		busy = append(busy, "posting")
	}
	if len(busy) > 0 {
		b.KV("busy", strings.Join(busy, ", "))
	}
	if !next.IsZero() {
		b.KV("next autopost", next.Format("2006-01-02 15:04 MST"))
	}

	r := st.Readiness
	b.Blank().Section("Generate " + yesNo(r.CanGenerate()))
	b.Line(yesNo(r.HasSelection) + " signals selected")
	b.Line(yesNo(r.HasPlaceholder) + " template has " + "{{data}}")
	b.Line(yesNo(r.HasKey) + " generation key (" + string(st.Verdict) + ")")
	b.Blank().Section("Post " + yesNo(r.CanPost()))
	b.Line(yesNo(r.HasMessage) + " message generated")
	b.Line(yesNo(r.HasChannel) + " bot token and channel")
	return b.Build()
}

func renderProgress(runID string, recs []delivery.Record) tgui.Message {
	b := tgui.New().Title("📤", "Posting "+shortID(runID))
	for _, r := range recs {
		line := statusIcon(r.Status) + " " + r.Label
		if r.Err != "" {
			line += ": " + tgui.TruncRunes(r.Err, 200)
		}
		b.Line(line)
	}
	return b.Build()
}

func renderSummary(sum pipeline.RunSummary) tgui.Message {
	title := fmt.Sprintf("Posted %d/%d", sum.Succeeded, sum.Total)
	emoji := "✅"
	if sum.Succeeded < sum.Total {
		emoji = "⚠️"
	}
	b := tgui.New().Title(emoji, title)
	b.KV("run", shortID(sum.RunID))
	b.KV("took", sum.Duration.Round(time.Millisecond).String())
	for _, r := range sum.Records {
		line := statusIcon(r.Status) + " " + r.Label
		if r.Err != "" {
			line += ": " + tgui.TruncRunes(r.Err, 200)
		}
		b.Line(line)
	}
	if sum.Err != nil {
		b.Blank().Line("stopped: " + sum.Err.Error())
	}
	return b.Build()
}

func renderHistory(runs []storage.RunRecord) tgui.Message {
	b := tgui.New().Title("🗂", "Recent runs")
	if len(runs) == 0 {
		return b.Line("no runs yet").Build()
	}
	for _, r := range runs {
		line := fmt.Sprintf("%s %s %d/%d %s [%s]",
			r.At.Local().Format("01-02 15:04"), shortID(r.RunID), r.Succeeded, r.Total, r.Trigger,
			strings.Join(r.Signals, ","))
		if r.Error != "" {
			line += " " + tgui.TruncRunes(r.Error, 80)
		}
		b.Line(line)
	}
	return b.Build()
}

func renderHelp(cmds []Command) tgui.Message {
	b := tgui.New().Title("🤖", "sigcast")
	for _, c := range cmds {
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Route
		}
		b.HTML(tgui.JoinH(" ", tgui.Code(usage), tgui.Esc(c.Description)))
	}
	return b.Build()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func mask(s string) string {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return "not set"
	case len(s) <= 8:
		return "****"
	default:
		return s[:4] + "…" + s[len(s)-4:]
	}
}
