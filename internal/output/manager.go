package output

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/tanq16/snapgrab/internal/utils"
)

// TaskOutput is one display slot, tracking a single memory through the
// download, merge, and convert stages.
type TaskOutput struct {
	ID          int
	Name        string
	Status      string
	Message     string
	StreamLines []string
	Complete    bool
	StartTime   time.Time
	LastUpdated time.Time
	Error       error
	Index       int
}

type ErrorReport struct {
	TaskName string
	Error    error
	Time     time.Time
}

type Manager struct {
	tasks       map[string]*TaskOutput
	mutex       sync.RWMutex
	numLines    int
	maxStreams  int // Max stream lines kept per task
	errors      []ErrorReport
	doneCh      chan struct{}
	pauseCh     chan bool
	isPaused    bool
	displayTick time.Duration
	taskCount   int
	displayWg   sync.WaitGroup
}

func NewManager() *Manager {
	return &Manager{
		tasks:       make(map[string]*TaskOutput),
		errors:      []ErrorReport{},
		maxStreams:  10,
		doneCh:      make(chan struct{}),
		pauseCh:     make(chan bool),
		isPaused:    false,
		displayTick: 300 * time.Millisecond,
		taskCount:   0,
	}
}

func (m *Manager) Pause() {
	if !m.isPaused {
		m.pauseCh <- true
		m.isPaused = true
	}
}

func (m *Manager) Resume() {
	if m.isPaused {
		m.pauseCh <- false
		m.isPaused = false
	}
}

func (m *Manager) RegisterTask(name string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.taskCount++
	m.tasks[fmt.Sprint(m.taskCount)] = &TaskOutput{
		ID:          m.taskCount,
		Name:        name,
		Status:      "pending",
		StreamLines: []string{},
		StartTime:   time.Now(),
		LastUpdated: time.Now(),
		Index:       m.taskCount,
	}
	return m.taskCount
}

func (m *Manager) SetMessage(id int, message string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if task, exists := m.tasks[fmt.Sprint(id)]; exists {
		task.Message = message
		task.LastUpdated = time.Now()
	}
}

func (m *Manager) SetStatus(id int, status string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if task, exists := m.tasks[fmt.Sprint(id)]; exists {
		task.Status = status
		task.LastUpdated = time.Now()
	}
}

func (m *Manager) GetStatus(id int) string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if task, exists := m.tasks[fmt.Sprint(id)]; exists {
		return task.Status
	}
	return "unknown"
}

func (m *Manager) Complete(id int, message string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if task, exists := m.tasks[fmt.Sprint(id)]; exists {
		task.StreamLines = []string{}
		if message == "" {
			task.Message = fmt.Sprintf("Finished %s", task.Name)
		} else {
			task.Message = message
		}
		task.Complete = true
		task.Status = "success"
		task.LastUpdated = time.Now()
	}
}

// CompleteWithWarning finishes a task that produced output through a
// degraded path, like an overlay merge that fell back to the base media.
func (m *Manager) CompleteWithWarning(id int, message string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if task, exists := m.tasks[fmt.Sprint(id)]; exists {
		task.StreamLines = []string{}
		task.Message = message
		task.Complete = true
		task.Status = "warning"
		task.LastUpdated = time.Now()
	}
}

func (m *Manager) ReportError(id int, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if task, exists := m.tasks[fmt.Sprint(id)]; exists {
		task.Complete = true
		task.Status = "error"
		task.Error = err
		task.LastUpdated = time.Now()
		m.errors = append(m.errors, ErrorReport{
			TaskName: task.Name,
			Error:    err,
			Time:     time.Now(),
		})
	}
}

func (m *Manager) AddStreamLine(id int, line string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if task, exists := m.tasks[fmt.Sprint(id)]; exists {
		wrappedLines := wrapText(line, 2+4)
		task.StreamLines = append(task.StreamLines, wrappedLines...)
		if len(task.StreamLines) > m.maxStreams {
			task.StreamLines = task.StreamLines[len(task.StreamLines)-m.maxStreams:]
		}
		task.LastUpdated = time.Now()
	}
}

func (m *Manager) AddProgressBarToStream(id int, current, total int64, text string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if task, exists := m.tasks[fmt.Sprint(id)]; exists {
		progressBar := PrintProgressBar(max(0, current), total, 30)
		elapsed := time.Since(task.StartTime).Round(time.Second).Seconds()
		display := fmt.Sprintf("%s%s %s %s", progressBar, debugStyle.Render(text), StyleSymbols["bullet"], debugStyle.Render(utils.FormatSpeed(current, elapsed)))
		task.StreamLines = []string{display} // Sole stream line so the bar does not scroll
		task.LastUpdated = time.Now()
	}
}

func (m *Manager) ClearTask(id int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if task, exists := m.tasks[fmt.Sprint(id)]; exists {
		task.StreamLines = []string{}
		task.Message = ""
	}
}

func (m *Manager) ClearAll() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for id := range m.tasks {
		m.tasks[id].StreamLines = []string{}
	}
}

func (m *Manager) GetStatusIndicator(status string) string {
	switch status {
	case "success", "pass":
		return successStyle.Render(StyleSymbols["pass"])
	case "error", "fail":
		return errorStyle.Render(StyleSymbols["fail"])
	case "warning":
		return warningStyle.Render(StyleSymbols["warning"])
	case "pending":
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

func styledMessage(status, message string) string {
	switch status {
	case "success":
		return successStyle.Render(message)
	case "error":
		return errorStyle.Render(message)
	case "warning":
		return warningStyle.Render(message)
	default:
		return pendingStyle.Render(message)
	}
}

func (m *Manager) sortTasks() (active, pending, completed []*TaskOutput) {
	var allTasks []*TaskOutput
	// Sort by index (registration order)
	for _, task := range m.tasks {
		allTasks = append(allTasks, task)
	}
	sort.Slice(allTasks, func(i, j int) bool {
		return allTasks[i].Index < allTasks[j].Index
	})
	for _, t := range allTasks {
		if t.Complete {
			completed = append(completed, t)
		} else if t.Status == "pending" && t.Message == "" {
			pending = append(pending, t)
		} else {
			active = append(active, t)
		}
	}
	return active, pending, completed
}

func (m *Manager) updateDisplay() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	_, termHeight, _ := term.GetSize(int(os.Stdout.Fd()))
	if termHeight <= 0 {
		termHeight = 24
	}
	availableLines := termHeight - 3 // Leave room for the prompt

	if m.numLines > 0 {
		fmt.Printf("\033[%dA\033[J", m.numLines)
	}

	lineCount := 0
	activeTasks, pendingTasks, completedTasks := m.sortTasks()

	totalNeeded := 0
	for _, t := range activeTasks {
		totalNeeded += 1 + len(t.StreamLines)
	}
	for _, t := range pendingTasks {
		totalNeeded += 1 + len(t.StreamLines)
	}
	totalNeeded += len(completedTasks)

	// Trim completed tasks first when the terminal is too short
	if totalNeeded > availableLines {
		maxCompleted := availableLines - (totalNeeded - len(completedTasks))
		if maxCompleted < 0 {
			maxCompleted = 0
		}
		if len(completedTasks) > maxCompleted {
			completedTasks = completedTasks[len(completedTasks)-maxCompleted:]
		}
	}

	for _, t := range activeTasks {
		if lineCount >= availableLines {
			break
		}
		statusDisplay := m.GetStatusIndicator(t.Status)
		elapsed := time.Since(t.StartTime).Round(time.Second)
		if t.Complete {
			elapsed = t.LastUpdated.Sub(t.StartTime).Round(time.Second)
		}
		fmt.Printf("%s%s %s %s\n", strings.Repeat(" ", 2), statusDisplay, debugStyle.Render(elapsed.String()), styledMessage(t.Status, t.Message))
		lineCount++
		lineCount = m.printStreamLines(t, lineCount, availableLines)
	}

	for _, t := range pendingTasks {
		if lineCount >= availableLines {
			break
		}
		statusDisplay := m.GetStatusIndicator(t.Status)
		fmt.Printf("%s%s %s\n", strings.Repeat(" ", 2), statusDisplay, pendingStyle.Render("Waiting..."))
		lineCount++
		lineCount = m.printStreamLines(t, lineCount, availableLines)
	}

	if len(completedTasks) > 10 && lineCount < availableLines {
		PrintInfo(fmt.Sprintf("%s%d memories finished, most recent shown below ...", strings.Repeat(" ", 2), len(completedTasks)-8))
		completedTasks = completedTasks[len(completedTasks)-8:]
		lineCount++
	}

	for _, t := range completedTasks {
		if lineCount >= availableLines {
			break
		}
		statusDisplay := m.GetStatusIndicator(t.Status)
		totalTime := t.LastUpdated.Sub(t.StartTime).Round(time.Second)
		fmt.Printf("%s%s %s %s\n", strings.Repeat(" ", 2), statusDisplay, debugStyle.Render(totalTime.String()), styledMessage(t.Status, t.Message))
		lineCount++
		lineCount = m.printStreamLines(t, lineCount, availableLines)
	}
	m.numLines = lineCount
}

func (m *Manager) printStreamLines(t *TaskOutput, lineCount, availableLines int) int {
	if len(t.StreamLines) == 0 || lineCount >= availableLines {
		return lineCount
	}
	indent := strings.Repeat(" ", 2+4)
	for _, line := range t.StreamLines {
		if lineCount >= availableLines {
			break
		}
		fmt.Printf("%s%s\n", indent, streamStyle.Render(line))
		lineCount++
	}
	return lineCount
}

func (m *Manager) StartDisplay() {
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !m.isPaused {
					m.updateDisplay()
				}
			case pauseState := <-m.pauseCh:
				m.isPaused = pauseState
			case <-m.doneCh:
				m.ClearAll()
				m.updateDisplay()
				m.ShowSummary()
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	close(m.doneCh)
	m.displayWg.Wait()
}

func (m *Manager) displayErrors() {
	if len(m.errors) == 0 {
		return
	}
	fmt.Println()
	fmt.Println(strings.Repeat(" ", 2) + errorStyle.Bold(true).Render("Errors:"))
	for i, report := range m.errors {
		fmt.Printf("%s%s %s %s\n",
			strings.Repeat(" ", 2+2),
			errorStyle.Render(fmt.Sprintf("%d.", i+1)),
			debugStyle.Render(fmt.Sprintf("[%s]", report.Time.Format("15:04:05"))),
			errorStyle.Render(fmt.Sprintf("Memory: %s", report.TaskName)))
		fmt.Printf("%s%s\n", strings.Repeat(" ", 2+4), errorStyle.Render(fmt.Sprintf("Error: %v", report.Error)))
	}
}

func (m *Manager) ShowSummary() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	fmt.Println()
	var success, warnings, failures int
	for _, task := range m.tasks {
		switch task.Status {
		case "success":
			success++
		case "warning":
			warnings++
		case "error":
			failures++
		}
	}
	fmt.Println(strings.Repeat(" ", 2) + success2Style.Render(fmt.Sprintf("Completed %d of %d", success+warnings, len(m.tasks))))
	if warnings > 0 {
		fmt.Println(strings.Repeat(" ", 2) + warningStyle.Render(fmt.Sprintf("Degraded %d of %d", warnings, len(m.tasks))))
	}
	if failures > 0 {
		fmt.Println(strings.Repeat(" ", 2) + errorStyle.Render(fmt.Sprintf("Failed %d of %d", failures, len(m.tasks))))
	}
	m.displayErrors()
	fmt.Println()
}
