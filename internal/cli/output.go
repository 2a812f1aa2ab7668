package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

// Output печатает ответы Conveyor API.
//
// В обычном режиме записи выводятся таблицами (списки) или карточками
// ключ/значение (одна запись). С --json те же ответы печатаются как есть,
// события watch — по одному JSON-объекту на строку.
// Данные идут в stdout, уведомления — в stderr.
type Output struct {
	json   bool
	stdout io.Writer
	stderr io.Writer
}

// NewOutput создаёт Output поверх os.Stdout и os.Stderr.
func NewOutput(jsonMode bool) *Output {
	return newOutput(jsonMode, os.Stdout, os.Stderr)
}

func newOutput(jsonMode bool, stdout, stderr io.Writer) *Output {
	return &Output{json: jsonMode, stdout: stdout, stderr: stderr}
}

// Notice печатает сообщение для человека в stderr.
func (o *Output) Notice(format string, args ...any) {
	fmt.Fprintf(o.stderr, format+"\n", args...)
}

// Warn печатает некритичную ошибку в stderr.
func (o *Output) Warn(err error) {
	fmt.Fprintln(o.stderr, "Error: "+err.Error())
}

// Pipelines печатает список executions.
func (o *Output) Pipelines(list []PipelineSummaryResponse) {
	if o.json {
		o.encode(list, true)
		return
	}

	t := newTable("ID", "NAME", "STATUS", "STAGE", "PROGRESS", "STAGES", "STARTED")
	for _, p := range list {
		t.row(p.ID, p.Name, p.Status, p.CurrentStageID,
			percent(p.Progress), strconv.Itoa(p.Stages), shortTime(p.StartTime))
	}
	t.writeTo(o.stdout)
}

// Pipeline печатает карточку execution, его стадии и результаты.
// При withOutput добавляются stdout и stderr завершённых стадий.
func (o *Output) Pipeline(p *PipelineResponse, withOutput bool) {
	if o.json {
		o.encode(p, true)
		return
	}

	card := newCard()
	card.field("ID", p.ID)
	card.field("NAME", p.Name)
	card.field("STATUS", p.Status)
	card.field("STAGE", p.CurrentStageID)
	card.field("PROGRESS", percent(p.Progress))
	card.field("PRIORITY", strconv.Itoa(p.Priority))
	card.field("STARTED", shortTime(p.StartTime))
	card.field("FINISHED", shortTime(p.EndTime))
	if p.DurationMs > 0 {
		card.field("DURATION", (time.Duration(p.DurationMs) * time.Millisecond).String())
	}
	if p.Error != "" {
		card.field("ERROR", p.Error)
	}
	card.writeTo(o.stdout)

	if len(p.Stages) > 0 {
		fmt.Fprintln(o.stdout)
		t := newTable("STAGE_ID", "NAME", "EXECUTABLE", "PRIORITY", "JOB_ID", "DONE")
		for _, s := range p.Stages {
			prio := ""
			if s.Priority > 0 {
				prio = strconv.Itoa(s.Priority)
			}
			t.row(s.ID, s.Name, s.Executable, prio, s.JobID, yesNo(s.Completed))
		}
		t.writeTo(o.stdout)
	}

	if len(p.AccumulatedResults) > 0 {
		fmt.Fprintln(o.stdout)
		o.results(p.AccumulatedResults, withOutput)
	}
}

func (o *Output) results(results []StageResultResponse, withOutput bool) {
	t := newTable("STAGE_ID", "SUCCESS", "EXIT_CODE", "OUTPUTS", "ARTIFACTS")
	for _, r := range results {
		t.row(r.StageID, yesNo(r.Success), strconv.Itoa(r.ExitCode),
			outputKeys(r.StructuredOutputs), strconv.Itoa(len(r.Artifacts)))
	}
	t.writeTo(o.stdout)

	if !withOutput {
		return
	}
	for _, r := range results {
		o.stream(r.StageID, "stdout", r.Stdout)
		o.stream(r.StageID, "stderr", r.Stderr)
	}
}

func (o *Output) stream(stageID, name, text string) {
	if text == "" {
		return
	}
	fmt.Fprintf(o.stdout, "\n--- %s %s ---\n%s\n", stageID, name, strings.TrimRight(text, "\n"))
}

// Jobs печатает jobs pipeline в порядке постановки.
func (o *Output) Jobs(list []JobResponse) {
	if o.json {
		o.encode(list, true)
		return
	}

	t := newTable("ID", "STAGE_ID", "STATUS", "ATTEMPT", "PRIORITY", "PROGRESS", "ERROR")
	for _, j := range list {
		t.row(j.ID, j.StageID, j.Status, attempts(j.Attempt, j.MaxAttempts),
			strconv.Itoa(j.Priority), percent(j.Progress), j.Error)
	}
	t.writeTo(o.stdout)
}

// Job печатает карточку одного job.
func (o *Output) Job(j *JobResponse) {
	if o.json {
		o.encode(j, true)
		return
	}

	card := newCard()
	card.field("ID", j.ID)
	card.field("PIPELINE_ID", j.PipelineID)
	card.field("STAGE_ID", j.StageID)
	card.field("EXECUTABLE", j.ExecutablePath)
	card.field("STATUS", j.Status)
	card.field("ATTEMPT", attempts(j.Attempt, j.MaxAttempts))
	card.field("PRIORITY", strconv.Itoa(j.Priority))
	card.field("RUN_AT", shortTime(j.RunAt))
	card.field("STARTED", shortTime(j.StartedAt))
	card.field("FINISHED", shortTime(j.FinishedAt))
	if j.Result != nil {
		card.field("EXIT_CODE", strconv.Itoa(j.Result.ExitCode))
		card.field("OUTPUTS", outputKeys(j.Result.StructuredOutputs))
	}
	if j.Error != "" {
		card.field("ERROR", j.Error)
	}
	card.writeTo(o.stdout)
}

// QueueStats печатает счётчики очереди.
func (o *Output) QueueStats(s *QueueStatsResponse) {
	if o.json {
		o.encode(s, true)
		return
	}

	t := newTable("WAITING", "ACTIVE", "COMPLETED", "FAILED", "TOTAL")
	t.row(
		strconv.FormatInt(s.Waiting, 10), strconv.FormatInt(s.Active, 10),
		strconv.FormatInt(s.Completed, 10), strconv.FormatInt(s.Failed, 10),
		strconv.FormatInt(s.Total, 10),
	)
	t.writeTo(o.stdout)
}

// Submitted печатает ответ на постановку стадии.
func (o *Output) Submitted(r *SubmitStageResponse) {
	if o.json {
		o.encode(r, true)
		return
	}
	o.Notice("Stage %s of %s submitted as job %s", r.StageID, r.PipelineID, r.JobID)
}

// Event печатает одно событие pipeline.
func (o *Output) Event(ev domain.ProgressEvent) {
	if o.json {
		o.encode(ev, false)
		return
	}
	fmt.Fprintln(o.stdout, FormatEvent(ev))
}

// FormatEvent возвращает однострочное представление события.
func FormatEvent(ev domain.ProgressEvent) string {
	ts := ev.Timestamp.Format("15:04:05")
	p := ev.Payload

	switch ev.Type {
	case domain.EventStageStart:
		return fmt.Sprintf("%s  %-8s %s attempt %v/%v", ts, "START", ev.StageID, p["attempt"], p["max_attempts"])
	case domain.EventStageProgress:
		return fmt.Sprintf("%s  %-8s %s %v%%", ts, "PROGRESS", ev.StageID, p["progress"])
	case domain.EventStageComplete:
		return fmt.Sprintf("%s  %-8s %s exit=%v", ts, "DONE", ev.StageID, p["exit_code"])
	case domain.EventStageFailed:
		return fmt.Sprintf("%s  %-8s %s %v", ts, "FAILED", ev.StageID, p["error"])
	case domain.EventLog:
		if line, ok := p["line"]; ok {
			return fmt.Sprintf("%s  %-8s %s [%v] %v", ts, "LOG", ev.StageID, p["stream"], line)
		}
		return fmt.Sprintf("%s  %-8s %s %v", ts, "LOG", ev.StageID, p["message"])
	case domain.EventPipelineComplete:
		msg := fmt.Sprintf("%s  %-8s %s %v", ts, "PIPELINE", ev.PipelineID, p["status"])
		if e, ok := p["error"].(string); ok && e != "" {
			msg += ": " + e
		}
		return msg
	default:
		return fmt.Sprintf("%s  %-8s %s", ts, strings.ToUpper(string(ev.Type)), ev.StageID)
	}
}

// encode пишет v в stdout. indent=false даёт JSON Lines для потока событий.
func (o *Output) encode(v any, indent bool) {
	enc := json.NewEncoder(o.stdout)
	if indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		o.Warn(fmt.Errorf("encode output: %w", err))
	}
}

// --- tables ---

// table — список записей; пустые ячейки печатаются как "-".
type table struct {
	columns []string
	rows    [][]string
}

func newTable(columns ...string) *table {
	return &table{columns: columns}
}

func (t *table) row(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) writeTo(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(t.columns, "\t"))
	for _, r := range t.rows {
		cells := make([]string, len(t.columns))
		for i := range cells {
			if i < len(r) {
				cells[i] = r[i]
			}
			if cells[i] == "" {
				cells[i] = "-"
			}
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	tw.Flush()
}

// card — одна запись в виде столбца "КЛЮЧ значение".
type card struct {
	fields [][2]string
}

func newCard() *card {
	return &card{}
}

func (c *card) field(name, value string) {
	c.fields = append(c.fields, [2]string{name, value})
}

func (c *card) writeTo(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, f := range c.fields {
		v := f[1]
		if v == "" {
			v = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\n", f[0], v)
	}
	tw.Flush()
}

// --- cells ---

func percent(n int) string {
	return strconv.Itoa(n) + "%"
}

func attempts(attempt, maxAttempts int) string {
	return fmt.Sprintf("%d/%d", attempt, maxAttempts)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// shortTime сокращает RFC 3339 метку API до секунд в локальной зоне.
func shortTime(s string) string {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func outputKeys(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}
