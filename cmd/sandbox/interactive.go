package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/wippyai/wasm-sandbox/engine"
)

type interactiveModel struct {
	ctx      context.Context
	err      error
	engine   *engine.Engine
	result   *engine.Result
	label    string
	req      engine.Request
	funcs    []engine.FuncInfo
	inputs   []textinput.Model
	selected int
	focusIdx int
	state    modelState
}

type modelState int

const (
	stateSelectFunc modelState = iota
	stateInputArgs
	stateRunning
	stateShowResult
)

type loadedMsg struct {
	err   error
	funcs []engine.FuncInfo
}

type callResultMsg struct {
	err    error
	result *engine.Result
}

func newInteractiveModel(ctx context.Context, e *engine.Engine, label string, req engine.Request) *interactiveModel {
	return &interactiveModel{
		ctx:    ctx,
		engine: e,
		label:  label,
		req:    req,
		state:  stateSelectFunc,
	}
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.loadModule
}

// loadModule lists the exports. Hash requests read the artifact from the cache.
func (m *interactiveModel) loadModule() tea.Msg {
	src := m.req.Module
	if src == nil {
		artifact, err := m.engine.Cache().LoadModule(m.ctx, m.req.Hash)
		if err != nil {
			return loadedMsg{err: err}
		}
		src = artifact.Bytes()
	}
	funcs, err := m.engine.Inspect(src)
	if err != nil {
		return loadedMsg{err: err}
	}
	sort.Slice(funcs, func(i, j int) bool { return funcs[i].Name < funcs[j].Name })
	return loadedMsg{funcs: funcs}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit

		case "q":
			if m.state != stateInputArgs {
				return m, tea.Quit
			}

		case "up", "k":
			if m.state == stateSelectFunc && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectFunc && m.selected < len(m.funcs)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectFunc:
				if len(m.funcs) == 0 {
					return m, nil
				}
				m.prepareInputs()
				if len(m.inputs) == 0 {
					m.state = stateRunning
					return m, m.callFunction
				}
				m.state = stateInputArgs

			case stateInputArgs:
				m.state = stateRunning
				return m, m.callFunction

			case stateShowResult:
				m.state = stateSelectFunc
				m.result = nil
				m.err = nil
			}

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectFunc
				m.inputs = nil
			case stateShowResult:
				m.state = stateSelectFunc
				m.result = nil
				m.err = nil
			}
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.funcs = msg.funcs

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateInputArgs {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m *interactiveModel) prepareInputs() {
	f := m.funcs[m.selected]
	m.inputs = make([]textinput.Model, len(f.Params))
	for i, p := range f.Params {
		ti := textinput.New()
		ti.Placeholder = p.String()
		ti.Prompt = fmt.Sprintf("arg%d: ", i)
		ti.Width = 40
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

// callFunction runs the selected export in a fresh instance. Arguments are
// passed as text; the engine parses them per parameter type.
func (m *interactiveModel) callFunction() tea.Msg {
	req := m.req
	req.EntryPoint = m.funcs[m.selected].Name
	req.Args = make([]any, len(m.inputs))
	for i, input := range m.inputs {
		req.Args[i] = input.Value()
	}
	res, err := m.engine.Execute(m.ctx, req)
	return callResultMsg{result: res, err: err}
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}

	if m.funcs == nil {
		return "Loading module..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("WASM Sandbox"))
	b.WriteString(" ")
	b.WriteString(m.label)
	b.WriteString(" ")
	b.WriteString(helpStyle.Render(m.req.Limits.String()))
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectFunc:
		if len(m.funcs) == 0 {
			b.WriteString("The module exports no functions.\n\n")
			b.WriteString(helpStyle.Render("q quit"))
			break
		}
		b.WriteString("Select a function to call:\n\n")
		for i, f := range m.funcs {
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + formatFunc(f)))
			} else {
				b.WriteString("  " + formatFunc(f))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter call • q quit"))

	case stateInputArgs:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s\n\n", funcStyle.Render(f.Name)))
		for i, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString(" ")
			b.WriteString(typeStyle.Render(f.Params[i].String()))
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter call • esc back"))

	case stateRunning:
		b.WriteString(fmt.Sprintf("Running %s...\n", funcStyle.Render(m.funcs[m.selected].Name)))

	case stateShowResult:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", funcStyle.Render(f.Name)))
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			var out strings.Builder
			printResult(&out, true, m.result)
			b.WriteString(out.String())
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func formatFunc(f engine.FuncInfo) string {
	params := make([]string, len(f.Params))
	for i, p := range f.Params {
		params[i] = typeStyle.Render(p.String())
	}
	results := make([]string, len(f.Results))
	for i, r := range f.Results {
		results[i] = typeStyle.Render(r.String())
	}
	result := ""
	if len(results) > 0 {
		result = " -> " + strings.Join(results, ", ")
	}
	return funcStyle.Render(f.Name) + "(" + strings.Join(params, ", ") + ")" + result
}

func (a *app) runInteractive(ctx context.Context, e *engine.Engine, label string, req engine.Request) error {
	p := tea.NewProgram(newInteractiveModel(ctx, e, label, req), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
