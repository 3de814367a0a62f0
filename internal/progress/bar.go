package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rshade/leaserun/internal/runner"
)

const barWidth = 40

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// tickMsg is sent after each processed job.
type tickMsg struct{}

// finishMsg ends the program.
type finishMsg struct{}

type barModel struct {
	title    string
	tracker  *Tracker
	bar      progress.Model
	finished bool
}

func (m barModel) Init() tea.Cmd {
	return nil
}

func (m barModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.bar.Width = min(barWidth, msg.Width/2)
		}
		return m, nil
	case tickMsg:
		return m, nil
	case finishMsg:
		m.finished = true
		return m, tea.Quit
	default:
		return m, nil
	}
}

func (m barModel) View() string {
	s := m.tracker.Snapshot()

	var b strings.Builder
	if m.title != "" {
		b.WriteString(titleStyle.Render(m.title))
		b.WriteString(" ")
	}
	b.WriteString(m.bar.ViewAs(s.Ratio))
	fmt.Fprintf(&b, " %d/%d", s.Processed, s.Total)

	detail := fmt.Sprintf(" %.1f jobs/s", s.JobsPerSecond)
	if !m.finished && s.Remaining > 0 {
		detail += " eta " + s.Remaining.Round(time.Second).String()
	}
	b.WriteString(mutedStyle.Render(detail))
	b.WriteString("\n")
	return b.String()
}

// Bar renders a progress bar with bubbletea. Start, Tick and Finish may be
// called from the runner goroutine while the program renders in its own.
type Bar struct {
	out     io.Writer
	title   string
	tracker *Tracker

	mu      sync.Mutex
	program *tea.Program
	done    chan struct{}
}

// NewBar creates a bar that renders to out.
func NewBar(out io.Writer, title string) *Bar {
	return &Bar{out: out, title: title, tracker: NewTracker(0)}
}

// Tracker exposes the underlying counts.
func (b *Bar) Tracker() *Tracker {
	return b.tracker
}

// Start implements runner.Reporter.
func (b *Bar) Start(total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.program != nil {
		return
	}

	b.tracker.Reset(total)
	model := barModel{
		title:   b.title,
		tracker: b.tracker,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(barWidth)),
	}
	b.program = tea.NewProgram(model,
		tea.WithOutput(b.out),
		tea.WithInput(nil),
		tea.WithoutSignalHandler(),
	)
	b.done = make(chan struct{})

	p, done := b.program, b.done
	go func() {
		defer close(done)
		_, _ = p.Run()
	}()
}

// Tick implements runner.Reporter.
func (b *Bar) Tick() {
	b.tracker.Add(1)
	b.mu.Lock()
	p := b.program
	b.mu.Unlock()
	if p != nil {
		p.Send(tickMsg{})
	}
}

// Finish implements runner.Reporter. It blocks until the final frame is drawn.
func (b *Bar) Finish() {
	b.mu.Lock()
	p, done := b.program, b.done
	b.program, b.done = nil, nil
	b.mu.Unlock()
	if p == nil {
		return
	}
	p.Send(finishMsg{})
	<-done
}

var _ runner.Reporter = (*Bar)(nil)
