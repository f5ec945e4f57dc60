package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	xerrors "MCP-Flow/internal/errors"
	"MCP-Flow/internal/observability/alerting"
	"MCP-Flow/internal/transmit"
	"MCP-Flow/pkg/logger"
)

const defaultObserveEvery = 3

// Engine 驱动一次工作流从规划到终态的完整执行。
// 事件严格按产生顺序写入 Sink；持久化经 Recorder 异步完成，
// 不阻塞执行主循环。
type Engine struct {
	planner      Planner
	observer     Observer
	executor     *StepExecutor
	transmitter  *transmit.Transmitter
	recorder     Recorder
	alerter      alerting.Dispatcher
	observeEvery int
	maxRetries   int
	logger       *slog.Logger
}

// EngineOption 定义可选配置。
type EngineOption func(*Engine)

// WithObserver 配置执行过程中的观察者。
func WithObserver(observer Observer) EngineOption {
	return func(e *Engine) {
		e.observer = observer
	}
}

// WithObserveEvery 设置每执行多少个步骤复盘一次。
func WithObserveEvery(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.observeEvery = n
		}
	}
}

// WithMaxRetries 设置单步的最大重试次数。
func WithMaxRetries(n int) EngineOption {
	return func(e *Engine) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithRecorder 配置持久化记录器。
func WithRecorder(recorder Recorder) EngineOption {
	return func(e *Engine) {
		e.recorder = recorder
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) EngineOption {
	return func(e *Engine) {
		e.alerter = dispatcher
	}
}

// NewEngine 构造 Engine。
func NewEngine(planner Planner, executor *StepExecutor, transmitter *transmit.Transmitter, opts ...EngineOption) *Engine {
	e := &Engine{
		planner:      planner,
		executor:     executor,
		transmitter:  transmitter,
		observeEvery: defaultObserveEvery,
		maxRetries:   2,
		logger:       logger.Named("engine"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Execute 执行一次工作流并通过 Sink 下发事件流。
// 返回的 Outcome 与 workflow_complete 事件内容一致；
// 无论成败，事件流都以 stream_end 收尾。
func (e *Engine) Execute(ctx context.Context, run *Run, sink Sink) Outcome {
	if sink == nil {
		sink = NopSink
	}
	defer sink.Emit(Event{Type: EventStreamEnd, RunID: run.ID})

	steps, err := e.planner.Plan(ctx, run.Goal)
	if err != nil {
		return e.fatal(ctx, run, sink, xerrors.Wrap(xerrors.CodePlanningFailed, err, "生成执行计划失败"))
	}
	if len(steps) == 0 {
		return e.fatal(ctx, run, sink, xerrors.New(xerrors.CodePlanningFailed, "执行计划为空"))
	}
	for _, step := range steps {
		if step.MaxRetries == 0 {
			step.MaxRetries = e.maxRetries
		}
	}
	state := NewState(run.Goal, steps)

	sink.Emit(Event{
		Type:       EventExecutionStart,
		RunID:      run.ID,
		Goal:       run.Goal,
		TotalSteps: len(steps),
	})
	e.record(ctx, func(rec Recorder) { rec.RecordRunning(ctx, run.ID) })

	var (
		halted        bool
		haltFailed    bool
		haltReason    string
		sinceObserved int
	)

loop:
	for {
		if ctx.Err() != nil {
			halted = true
			haltReason = "cancelled"
			break
		}
		step := state.Current()
		if step == nil {
			break
		}

		step.Status = StatusRunning
		step.Attempts++
		sink.Emit(Event{
			Type:    EventStepStart,
			RunID:   run.ID,
			Index:   step.Index,
			Tool:    step.Tool,
			Action:  step.Action,
			Input:   step.Input,
			Attempt: step.Attempts,
		})

		result, execErr := e.executor.Execute(ctx, run.UserID, step)
		if execErr != nil {
			// 池容量耗尽说明环境资源不足，继续执行后续步骤没有意义，
			// 整个工作流立即以致命错误结束，调用方可稍后重新提交。
			if xerrors.CodeOf(execErr) == xerrors.CodeResourceExhausted {
				step.Status = StatusFailed
				e.recordStep(ctx, run.ID, step, "", nil, transmit.ExplainError(execErr))
				return e.fatal(ctx, run, sink, execErr)
			}

			willRetry := IsTransient(execErr) && step.Attempts <= step.MaxRetries
			sink.Emit(Event{
				Type:      EventStepError,
				RunID:     run.ID,
				Index:     step.Index,
				Tool:      step.Tool,
				Action:    step.Action,
				Attempt:   step.Attempts,
				ErrorCode: string(xerrors.CodeOf(execErr)),
				Message:   transmit.ExplainError(execErr),
				WillRetry: willRetry,
			})
			if willRetry {
				step.Status = StatusPending
				e.recordStep(ctx, run.ID, step, "", nil, transmit.ExplainError(execErr))
				continue
			}

			// 重试额度用尽或终态失败。
			step.Status = StatusFailed
			state.FailedStepCount++
			e.recordStep(ctx, run.ID, step, "", nil, transmit.ExplainError(execErr))
			e.emitAlert(ctx, run, step, execErr)

			if ctx.Err() != nil {
				halted = true
				haltReason = "cancelled"
				break
			}
			state.Advance()
			sinceObserved = 0
			if done := e.observe(ctx, run, state, sink, &halted, &haltFailed, &haltReason); done {
				break loop
			}
			continue
		}

		// 原始结果：小于阈值时透传，否则只下发有界摘要；
		// 无论哪种情况，事件都携带编码后的完整字节数。
		rawJSON, summary := e.transmitter.Inspect(result)
		rawEvent := Event{
			Type:      EventStepRawResult,
			RunID:     run.ID,
			Index:     step.Index,
			SizeBytes: len(rawJSON),
		}
		if summary != nil {
			rawEvent.RawSummary = summary
		} else {
			rawEvent.Raw = json.RawMessage(rawJSON)
		}
		sink.Emit(rawEvent)

		formatted := e.transmitter.Format(result)
		for _, chunk := range e.transmitter.Chunks(formatted) {
			sink.Emit(Event{Type: EventStepResultChunk, RunID: run.ID, Index: step.Index, Chunk: chunk})
		}
		sink.Emit(Event{Type: EventStepComplete, RunID: run.ID, Index: step.Index, Formatted: formatted})

		step.Status = StatusSucceeded
		state.Results[step.Index] = StepResult{Index: step.Index, Raw: result, Formatted: formatted}
		e.recordStep(ctx, run.ID, step, formatted, rawJSON, "")

		state.Advance()
		sinceObserved++
		if sinceObserved >= e.observeEvery && state.Current() != nil {
			sinceObserved = 0
			if done := e.observe(ctx, run, state, sink, &halted, &haltFailed, &haltReason); done {
				break loop
			}
		}
	}

	summary := state.Summarize()
	success := !halted && state.FailedStepCount == 0
	if halted && haltReason != "cancelled" {
		// 观察者的提前结束：目标达成按成功处理，
		// 判定目标已无法达成则按失败处理。
		success = !haltFailed
	}

	var finalResult string
	if last := state.LastSuccess(); last != nil {
		finalResult = last.Formatted
	}

	outcome := Outcome{
		Success:    success,
		HaltReason: haltReason,
		Summary:    summary,
	}
	if finalResult != "" {
		outcome.FinalResult = finalResult
	}

	sink.Emit(Event{
		Type:        EventComplete,
		RunID:       run.ID,
		Success:     success,
		FinalResult: outcome.FinalResult,
		HaltReason:  haltReason,
		Summary:     &summary,
	})

	status := RunSucceeded
	if !success {
		status = RunFailed
	}
	if halted && haltReason == "cancelled" {
		status = RunHalted
	}
	e.record(ctx, func(rec Recorder) {
		rec.RecordFinal(ctx, run.ID, status, finalResult, haltReason, "")
	})

	logger.Audit().Info("工作流执行结束",
		slog.String("run_id", run.ID),
		slog.String("goal", run.Goal),
		slog.Bool("success", success),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("failed", summary.Failed),
	)
	return outcome
}

// observe 调用观察者复盘当前状态并落实其决策。
// 返回 true 表示执行应当提前结束。
func (e *Engine) observe(ctx context.Context, run *Run, state *State, sink Sink, halted, haltFailed *bool, haltReason *string) bool {
	if e.observer == nil || ctx.Err() != nil {
		return false
	}
	decision, err := e.observer.Observe(ctx, state)
	if err != nil {
		// 观察失败不中断执行，按维持原计划处理。
		wrapped := xerrors.Wrap(xerrors.CodePlanningFailed, err, "复盘执行状态失败")
		e.logger.Warn("复盘执行状态失败，维持原计划",
			slog.Any("error", wrapped),
			slog.String("run_id", run.ID),
		)
		return false
	}

	switch decision.Action {
	case DecisionReplace:
		if len(decision.NewSteps) == 0 {
			return false
		}
		for _, step := range decision.NewSteps {
			if step.MaxRetries == 0 {
				step.MaxRetries = e.maxRetries
			}
		}
		state.ReplaceTail(decision.NewSteps)
		sink.Emit(Event{
			Type:         EventAdapted,
			RunID:        run.ID,
			AtIndex:      state.Cursor,
			Reason:       decision.Reason,
			NewStepCount: len(decision.NewSteps),
		})
		logger.Audit().Info("工作流计划已调整",
			slog.String("run_id", run.ID),
			slog.Int("at_index", state.Cursor),
			slog.Int("new_step_count", len(decision.NewSteps)),
		)
	case DecisionHalt:
		*halted = true
		*haltFailed = decision.Unrecoverable
		*haltReason = decision.Reason
		if *haltReason == "" {
			if decision.Unrecoverable {
				*haltReason = "goal unrecoverable"
			} else {
				*haltReason = "goal satisfied"
			}
		}
		return true
	}
	return false
}

// fatal 处理计划阶段的不可恢复错误。
func (e *Engine) fatal(ctx context.Context, run *Run, sink Sink, err error) Outcome {
	sink.Emit(Event{
		Type:      EventFatal,
		RunID:     run.ID,
		ErrorCode: string(xerrors.CodeOf(err)),
		Message:   transmit.ExplainError(err),
	})
	e.record(ctx, func(rec Recorder) {
		rec.RecordFinal(ctx, run.ID, RunFailed, "", "", err.Error())
	})
	e.emitAlert(ctx, run, nil, err)
	logger.L().Error("工作流执行失败",
		slog.Any("error", err),
		slog.String("run_id", run.ID),
		slog.String("goal", run.Goal),
	)
	return Outcome{Success: false}
}

func (e *Engine) record(ctx context.Context, fn func(Recorder)) {
	if e.recorder == nil {
		return
	}
	fn(e.recorder)
}

func (e *Engine) recordStep(ctx context.Context, runID string, step *Step, formatted string, raw []byte, lastError string) {
	e.record(ctx, func(rec Recorder) {
		rec.RecordStep(ctx, runID, StepRecord{
			Index:     step.Index,
			Tool:      step.Tool,
			Action:    step.Action,
			Status:    step.Status,
			Attempts:  step.Attempts,
			Raw:       json.RawMessage(raw),
			Formatted: formatted,
			LastError: lastError,
		})
	})
}

func (e *Engine) emitAlert(ctx context.Context, run *Run, step *Step, cause error) {
	if e.alerter == nil || cause == nil {
		return
	}
	code := xerrors.CodeOf(cause)
	if !xerrors.ShouldAlert(cause) {
		return
	}
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		RunID:      run.ID,
		Metadata:   map[string]string{"goal": run.Goal},
		OccurredAt: time.Now(),
	}
	if step != nil {
		event.StepIndex = step.Index
		event.Attempts = step.Attempts
		event.MaxRetries = step.MaxRetries
		event.Metadata["tool"] = step.Tool
		event.Metadata["action"] = step.Action
	}
	if err := e.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("run_id", run.ID),
		)
	}
}
