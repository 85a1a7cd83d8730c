package svm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/llm-ir/svm/pkg/audit"
	"github.com/llm-ir/svm/pkg/ir"
	"github.com/llm-ir/svm/pkg/svm/priority"
)

// dispatchOne handles every opcode except RETURN/JUMP/BRANCH/LOOP, which
// the pc-driven loop in vm.go handles directly because they alter control
// flow rather than just producing a value.
func (vm *VM) dispatchOne(ctx context.Context, ec *ExecutionContext, sessionID string, artifact *ir.Artifact, instr *ir.Instruction) error {
	idx := instr.Index
	vm.appendAudit(ctx, sessionID, audit.EventInstructionDispatched, &idx, map[string]interface{}{"opcode": string(instr.Opcode)})

	switch instr.Opcode {
	case ir.OpLoadResource:
		return vm.opLoadResource(ec, artifact, instr)
	case ir.OpStoreMemory:
		return vm.opStoreMemory(ec, instr)
	case ir.OpValidate:
		return vm.opValidate(ec, instr)
	case ir.OpTransform:
		return vm.opTransform(ec, instr)
	case ir.OpAggregate:
		return vm.opAggregate(ec, instr)
	case ir.OpFilter:
		return vm.opFilter(ec, instr)
	case ir.OpParallelSpawn, ir.OpParallelMerge:
		// No-op in the monolithic VM: PARALLEL_SPAWN/MERGE only matter to the
		// distribution planner's slice boundaries (§9 open question resolved
		// in favour of "parallelism is a placement concern, not a runtime
		// one" for the single-process path); runDistributed's sync-point
		// draining is where concurrent execution actually happens.
		return nil
	case ir.OpCallService:
		return vm.opCallService(ctx, ec, sessionID, instr)
	case ir.OpCallTool:
		return vm.opCallTool(ctx, ec, sessionID, instr)
	case ir.OpCallAction:
		return vm.opCallAction(ctx, ec, sessionID, instr)
	case ir.OpLLMCall:
		return vm.opLLMCall(ctx, ec, sessionID, instr)
	case ir.OpTrigger:
		return vm.opTrigger(ctx, ec, sessionID, instr)
	default:
		return NewRuntimeError(ErrRuntimeError, fmt.Errorf("instruction %d: unhandled opcode %q", idx, instr.Opcode))
	}
}

func (vm *VM) opLoadResource(ec *ExecutionContext, artifact *ir.Artifact, instr *ir.Instruction) error {
	key, _ := instr.Operands["resource_key"].(string)
	if key == "" {
		return NewRuntimeError(ErrContractViolation, fmt.Errorf("instruction %d: LOAD_RESOURCE missing resource_key operand", instr.Index))
	}
	value, ok := artifact.ResourceTable[key]
	if !ok {
		return NewRuntimeError(ErrRuntimeError, fmt.Errorf("instruction %d: no resource registered under key %q", instr.Index, key))
	}
	if instr.Dest == nil {
		return NewRuntimeError(ErrContractViolation, fmt.Errorf("instruction %d: LOAD_RESOURCE missing dest", instr.Index))
	}
	return ec.SetRegister(*instr.Dest, value)
}

func (vm *VM) opStoreMemory(ec *ExecutionContext, instr *ir.Instruction) error {
	key, _ := instr.Operands["memory_key"].(string)
	if key == "" {
		return NewRuntimeError(ErrContractViolation, fmt.Errorf("instruction %d: STORE_MEMORY missing memory_key operand", instr.Index))
	}
	if len(instr.Src) == 0 {
		return NewRuntimeError(ErrContractViolation, fmt.Errorf("instruction %d: STORE_MEMORY missing src register", instr.Index))
	}
	value, err := ec.GetRegister(instr.Src[0])
	if err != nil {
		return NewRuntimeError(ErrRuntimeError, err)
	}
	data, ok := value.([]byte)
	if !ok {
		encoded, err := json.Marshal(value)
		if err != nil {
			return NewRuntimeError(ErrRuntimeError, err)
		}
		data = encoded
	}
	if err := ec.StoreMemory(key, data); err != nil {
		return NewRuntimeError(ErrRuntimeError, err)
	}
	return nil
}

// opValidate evaluates a simple "<op> <literal>" rule (the same shape the
// Formal Verifier's safety-constraint checks use) against Src[0]; a failed
// validation is a CONTRACT_VIOLATION, never silently ignored.
func (vm *VM) opValidate(ec *ExecutionContext, instr *ir.Instruction) error {
	rule, _ := instr.Operands["rule"].(string)
	if rule == "" || len(instr.Src) == 0 {
		return nil
	}
	value, err := ec.GetRegister(instr.Src[0])
	if err != nil {
		return NewRuntimeError(ErrRuntimeError, err)
	}
	ok, err := evaluateSimpleExpression(rule, value)
	if err != nil {
		// Non-numeric rules (e.g. "exists") are accepted as a pass; only a
		// comparison the expression evaluator understood and evaluated false
		// is a violation.
		return nil
	}
	if !ok {
		return NewRuntimeError(ErrContractViolation, fmt.Errorf("instruction %d: validation rule %q failed for value %v", instr.Index, rule, value))
	}
	if instr.Dest != nil {
		return ec.SetRegister(*instr.Dest, true)
	}
	return nil
}

// opTransform implements TRANSFORM per §4.G: dest <- src[0] (identity
// projection; any field extraction is compiled into the operand by the IR
// Generator and applied here as a map key lookup when present).
func (vm *VM) opTransform(ec *ExecutionContext, instr *ir.Instruction) error {
	if len(instr.Src) == 0 || instr.Dest == nil {
		return NewRuntimeError(ErrContractViolation, fmt.Errorf("instruction %d: TRANSFORM requires src and dest", instr.Index))
	}
	value, err := ec.GetRegister(instr.Src[0])
	if err != nil {
		return NewRuntimeError(ErrRuntimeError, err)
	}
	if field, ok := instr.Operands["field"].(string); ok && field != "" {
		if m, ok := value.(map[string]interface{}); ok {
			value = m[field]
		}
	}
	return ec.SetRegister(*instr.Dest, value)
}

// opAggregate implements AGGREGATE: dest <- the list of every src register's
// current value.
func (vm *VM) opAggregate(ec *ExecutionContext, instr *ir.Instruction) error {
	if instr.Dest == nil {
		return NewRuntimeError(ErrContractViolation, fmt.Errorf("instruction %d: AGGREGATE requires dest", instr.Index))
	}
	values := make([]interface{}, 0, len(instr.Src))
	for _, src := range instr.Src {
		value, err := ec.GetRegister(src)
		if err != nil {
			return NewRuntimeError(ErrRuntimeError, err)
		}
		values = append(values, value)
	}
	return ec.SetRegister(*instr.Dest, values)
}

// opFilter implements FILTER: dest <- src[0] as-is if it is already an
// array, else a single-element array wrapping it.
func (vm *VM) opFilter(ec *ExecutionContext, instr *ir.Instruction) error {
	if len(instr.Src) == 0 || instr.Dest == nil {
		return NewRuntimeError(ErrContractViolation, fmt.Errorf("instruction %d: FILTER requires src and dest", instr.Index))
	}
	value, err := ec.GetRegister(instr.Src[0])
	if err != nil {
		return NewRuntimeError(ErrRuntimeError, err)
	}
	if arr, ok := value.([]interface{}); ok {
		return ec.SetRegister(*instr.Dest, arr)
	}
	return ec.SetRegister(*instr.Dest, []interface{}{value})
}

func (vm *VM) opTrigger(ctx context.Context, ec *ExecutionContext, sessionID string, instr *ir.Instruction) error {
	payload := map[string]interface{}{"event": instr.Operands["event"], "instruction_index": instr.Index}
	vm.appendAudit(ctx, sessionID, audit.EventInstructionDispatched, &instr.Index, payload)
	return nil
}

// inputFor builds a service/tool/LLM call's request payload from the
// instruction's literal operands plus the current value of every src
// register, keyed by its position.
func inputFor(ec *ExecutionContext, instr *ir.Instruction) (map[string]interface{}, error) {
	input := make(map[string]interface{}, len(instr.Operands)+len(instr.Src))
	for k, v := range instr.Operands {
		input[k] = v
	}
	for i, src := range instr.Src {
		value, err := ec.GetRegister(src)
		if err != nil {
			return nil, err
		}
		input[fmt.Sprintf("arg%d", i)] = value
	}
	return input, nil
}

func (vm *VM) withArbitration(ctx context.Context, instr *ir.Instruction, serviceID string, fn func() error) error {
	if instr.Priority == nil || vm.arbiter == nil {
		return fn()
	}
	release, err := vm.arbiter.Acquire(ctx, priority.Request{
		ServiceID:   serviceID,
		Level:       priority.Level(instr.Priority.Level),
		Preemptible: instr.Priority.Preemptible,
		MaxWait:     time.Duration(instr.Priority.MaxWaitMS) * time.Millisecond,
	})
	if err != nil {
		return NewRuntimeError(ErrRuntimeError, err)
	}
	defer release()
	return fn()
}

func (vm *VM) opCallService(ctx context.Context, ec *ExecutionContext, sessionID string, instr *ir.Instruction) error {
	if instr.Dispatch == nil {
		return NewRuntimeError(ErrContractViolation, fmt.Errorf("instruction %d: CALL_SERVICE was never resolved against a descriptor", instr.Index))
	}
	input, err := inputFor(ec, instr)
	if err != nil {
		return NewRuntimeError(ErrRuntimeError, err)
	}

	if instr.Dispatch.CredentialsVaultPath != "" && vm.vault != nil {
		secret, err := vm.vault.FetchSecret(ctx, instr.Dispatch.CredentialsVaultPath)
		if err != nil {
			return NewRuntimeError(ErrAuthError, err)
		}
		input["__credential"] = secret.Value
	}

	executor, err := vm.executors.Get(instr.Dispatch.Format)
	if err != nil {
		return err
	}

	var output map[string]interface{}
	err = vm.withArbitration(ctx, instr, instr.ServiceID, func() error {
		out, callErr := ExecuteWithRetry(ctx, executor, instr.Dispatch, input)
		output = out
		return callErr
	})
	if err != nil {
		return err
	}

	ec.RecordServiceCall(instr.ServiceID)
	vm.appendAudit(ctx, sessionID, audit.EventServiceCallCompleted, &instr.Index, map[string]interface{}{"service_id": instr.ServiceID})

	if instr.Dest != nil {
		return ec.SetRegister(*instr.Dest, output)
	}
	return nil
}

func (vm *VM) opCallTool(ctx context.Context, ec *ExecutionContext, sessionID string, instr *ir.Instruction) error {
	if vm.tools == nil {
		return NewRuntimeError(ErrUnsupportedPlatform, fmt.Errorf("instruction %d: no tool executor configured", instr.Index))
	}
	toolName, _ := instr.Operands["tool_name"].(string)
	input, err := inputFor(ec, instr)
	if err != nil {
		return NewRuntimeError(ErrRuntimeError, err)
	}
	args, err := json.Marshal(input)
	if err != nil {
		return NewRuntimeError(ErrRuntimeError, err)
	}

	var result *ToolResult
	err = vm.withArbitration(ctx, instr, toolName, func() error {
		r, callErr := vm.tools.Execute(ctx, ToolCall{ID: fmt.Sprintf("%s-%d", sessionID, instr.Index), Name: toolName, Arguments: string(args)})
		result = r
		return callErr
	})
	if err != nil {
		return NewRuntimeError(ErrRuntimeError, err)
	}
	if result.IsError {
		return NewRuntimeError(ErrRuntimeError, fmt.Errorf("tool %q returned an error: %s", toolName, result.Content))
	}

	vm.appendAudit(ctx, sessionID, audit.EventServiceCallCompleted, &instr.Index, map[string]interface{}{"tool_name": toolName})
	if instr.Dest != nil {
		return ec.SetRegister(*instr.Dest, result.Content)
	}
	return nil
}

func (vm *VM) opCallAction(ctx context.Context, ec *ExecutionContext, sessionID string, instr *ir.Instruction) error {
	encoded, err := json.Marshal(instr.Operands)
	if err != nil {
		return NewRuntimeError(ErrRuntimeError, err)
	}
	var operands ir.PhysicalActionOperands
	if err := json.Unmarshal(encoded, &operands); err != nil {
		return NewRuntimeError(ErrContractViolation, fmt.Errorf("instruction %d: malformed CALL_ACTION operands: %w", instr.Index, err))
	}

	var output map[string]interface{}
	err = vm.withArbitration(ctx, instr, operands.Target, func() error {
		out, actionErr := vm.runPhysicalAction(ctx, ec, instr, &operands, time.Now())
		output = out
		return actionErr
	})

	vm.appendAudit(ctx, sessionID, audit.EventPhysicalAction, &instr.Index, map[string]interface{}{"target": operands.Target, "succeeded": err == nil})
	if err != nil {
		if operands.Postcondition != nil && operands.Postcondition.FallbackIndex != nil {
			vm.appendAudit(ctx, sessionID, audit.EventFallbackInvoked, &instr.Index, map[string]interface{}{"reason": err.Error()})
		}
		return err
	}
	vm.appendAudit(ctx, sessionID, audit.EventPostconditionChecked, &instr.Index, map[string]interface{}{"passed": true})

	if instr.Dest != nil {
		return ec.SetRegister(*instr.Dest, output)
	}
	return nil
}

func (vm *VM) opLLMCall(ctx context.Context, ec *ExecutionContext, sessionID string, instr *ir.Instruction) error {
	if vm.llm == nil {
		return NewRuntimeError(ErrUnsupportedPlatform, fmt.Errorf("instruction %d: no LLM executor configured", instr.Index))
	}
	providerID, _ := instr.Operands["provider_id"].(string)
	prompt, _ := instr.Operands["prompt"].(string)

	messages := []LLMMessage{{Role: "user", Content: prompt}}
	req := LLMRequest{SessionID: sessionID, ExecutionID: sessionID, Messages: messages, ProviderID: providerID}

	if instr.Dispatch != nil && instr.Dispatch.CredentialsVaultPath != "" && vm.vault != nil {
		secret, err := vm.vault.FetchSecret(ctx, instr.Dispatch.CredentialsVaultPath)
		if err != nil {
			return NewRuntimeError(ErrAuthError, err)
		}
		req.VaultSecret = secret.Value
	}

	var resp *LLMResponse
	err := vm.withArbitration(ctx, instr, "llm:"+providerID, func() error {
		r, callErr := vm.llm.Generate(ctx, req)
		resp = r
		return callErr
	})
	if err != nil {
		return NewRuntimeError(ErrRuntimeError, err)
	}

	vm.appendAudit(ctx, sessionID, audit.EventServiceCallCompleted, &instr.Index, map[string]interface{}{
		"provider_id": providerID, "output_tokens": resp.OutputTokens, "input_tokens": resp.InputTokens,
	})

	if instr.Dest != nil {
		return ec.SetRegister(*instr.Dest, map[string]interface{}{"text": resp.Text, "tool_calls": resp.ToolCalls})
	}
	return nil
}

// dispatchBranch evaluates a BRANCH's condition operand (the same
// "<op> <literal>" shape VALIDATE and postconditions use) against Src[0],
// returning TargetInstruction on true and fallthrough on false.
func (vm *VM) dispatchBranch(ec *ExecutionContext, instr *ir.Instruction, fallthroughPC int) (int, error) {
	condition, _ := instr.Operands["condition"].(string)
	if condition == "" || len(instr.Src) == 0 {
		return fallthroughPC, nil
	}
	value, err := ec.GetRegister(instr.Src[0])
	if err != nil {
		return 0, NewRuntimeError(ErrRuntimeError, err)
	}
	taken, err := evaluateSimpleExpression(condition, value)
	if err != nil {
		return fallthroughPC, nil
	}
	if taken && instr.TargetInstruction != nil {
		return *instr.TargetInstruction, nil
	}
	return fallthroughPC, nil
}

// dispatchLoop converts the compile-time ir.LoopOperand into the bounded
// loop handler's svm-native LoopOperands and runs it, returning the pc the
// VM should resume at (the loop's declared ExitIndex).
func (vm *VM) dispatchLoop(ctx context.Context, ec *ExecutionContext, sessionID string, artifact *ir.Artifact, instr *ir.Instruction) (int, error) {
	if instr.Loop == nil {
		return 0, NewRuntimeError(ErrContractViolation, fmt.Errorf("instruction %d: LOOP missing operand block", instr.Index))
	}
	operands := LoopOperands{
		IteratorRegister: instr.Loop.IteratorRegister,
		MaxIterations:    instr.Loop.MaxIterations,
		TimeoutMS:        instr.Loop.TimeoutMS,
		BodyStartIndex:   instr.Loop.BodyStartIndex,
		ExitIndex:        instr.Loop.ExitIndex,
		FallbackIndex:    instr.Loop.FallbackIndex,
	}
	if instr.Loop.Convergence != nil {
		operands.Convergence = &ConvergencePredicate{
			Register: instr.Loop.Convergence.Register,
			Operator: ConvergenceOperator(instr.Loop.Convergence.Operator),
			Value:    instr.Loop.Convergence.Value,
		}
	}

	body := func(ctx context.Context, start, end int) error {
		return vm.runRange(ctx, ec, sessionID, artifact, start, end)
	}
	var checker ConvergenceChecker
	if operands.Convergence != nil {
		checker = convergenceCheckerFunc(func(ctx context.Context, pred ConvergencePredicate) (bool, error) {
			value, err := ec.GetRegister(pred.Register)
			if err != nil {
				return false, err
			}
			return evaluateConvergence(pred, value)
		})
	}

	_, err := RunBoundedLoop(ctx, operands, body, checker)
	vm.appendAudit(ctx, sessionID, audit.EventLoopIteration, &instr.Index, map[string]interface{}{"max_iterations": operands.MaxIterations})
	if err != nil {
		if instr.Loop.FallbackIndex != nil {
			vm.appendAudit(ctx, sessionID, audit.EventLoopFallback, &instr.Index, map[string]interface{}{"reason": err.Error()})
			return *instr.Loop.FallbackIndex, nil
		}
		return 0, NewRuntimeError(ErrRuntimeError, err)
	}
	return instr.Loop.ExitIndex, nil
}

type convergenceCheckerFunc func(ctx context.Context, pred ConvergencePredicate) (bool, error)

func (f convergenceCheckerFunc) EvaluateConvergence(ctx context.Context, pred ConvergencePredicate) (bool, error) {
	return f(ctx, pred)
}

func evaluateConvergence(pred ConvergencePredicate, value interface{}) (bool, error) {
	switch pred.Operator {
	case ConvergenceExists:
		return value != nil, nil
	case ConvergenceTruthy:
		b, _ := value.(bool)
		return b, nil
	}
	actual, ok := toFloat(value)
	if !ok {
		return false, fmt.Errorf("convergence register %d is not numeric", pred.Register)
	}
	expected, ok := toFloat(pred.Value)
	if !ok {
		return false, fmt.Errorf("convergence literal is not numeric")
	}
	switch pred.Operator {
	case ConvergenceEquals:
		return actual == expected, nil
	case ConvergenceNotEquals:
		return actual != expected, nil
	case ConvergenceLessThan:
		return actual < expected, nil
	case ConvergenceLessOrEqual:
		return actual <= expected, nil
	case ConvergenceGreaterThan:
		return actual > expected, nil
	case ConvergenceGreaterOrEqual:
		return actual >= expected, nil
	default:
		return false, fmt.Errorf("unsupported convergence operator %q", pred.Operator)
	}
}
