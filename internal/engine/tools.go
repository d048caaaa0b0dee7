package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/emubridge/emulation"
	"github.com/ggoodman/emubridge/mcp"
	"github.com/ggoodman/emubridge/sessions"
)

// Emulator is the emulator surface the tools drive.
type Emulator interface {
	PostControllerInput(ctx context.Context, test *sessions.Test, input emulation.ControllerInput, port int) emulation.Result[bool]
	Screenshot(ctx context.Context, test *sessions.Test) emulation.Result[string]
	SaveStateSlot(ctx context.Context, test *sessions.Test, slot int) emulation.Result[bool]
	LoadStateSlot(ctx context.Context, test *sessions.Test, slot int) emulation.Result[bool]
	SaveStateFile(ctx context.Context, test *sessions.Test, file string) emulation.Result[bool]
	LoadStateFile(ctx context.Context, test *sessions.Test, file string) emulation.Result[bool]
	SetSpeed(ctx context.Context, test *sessions.Test, speed float64) emulation.Result[bool]
	SetEmulationState(ctx context.Context, test *sessions.Test, action emulation.StateAction) emulation.Result[bool]
	BootGame(ctx context.Context, test *sessions.Test, gamePath string) emulation.Result[bool]
	SetupMemWatches(ctx context.Context, test *sessions.Test, watches map[string]emulation.MemoryWatch) emulation.Result[bool]
	ReadMemWatches(ctx context.Context, test *sessions.Test, names []string) emulation.Result[map[string]any]
}

var _ Emulator = (*emulation.Client)(nil)

var errInvalidArguments = errors.New("invalid arguments")

type toolFunc func(ctx context.Context, test *sessions.Test, raw json.RawMessage) (*mcp.CallToolResult, error)

type toolDef struct {
	tool mcp.Tool
	call toolFunc
}

// newTool binds a typed handler. Arguments are decoded into A before fn runs.
func newTool[A any](name, description string, fn func(ctx context.Context, test *sessions.Test, args A) (*mcp.CallToolResult, error)) toolDef {
	return toolDef{
		tool: mcp.Tool{Name: name, Description: description, InputSchema: reflectInputSchema[A]()},
		call: func(ctx context.Context, test *sessions.Test, raw json.RawMessage) (*mcp.CallToolResult, error) {
			var args A
			if len(raw) > 0 && string(raw) != "null" {
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, fmt.Errorf("%w: %v", errInvalidArguments, err)
				}
			}
			return fn(ctx, test, args)
		},
	}
}

type controllerInputArgs struct {
	Port  int                       `json:"port,omitempty" jsonschema:"description=Controller port from 0 to 3"`
	Input emulation.ControllerInput `json:"input" jsonschema:"description=Full controller state to apply"`
}

type screenshotArgs struct{}

type stateArgs struct {
	Slot *int   `json:"slot,omitempty" jsonschema:"description=Save state slot number"`
	File string `json:"file,omitempty" jsonschema:"description=Save state file name"`
}

type speedArgs struct {
	Speed float64 `json:"speed" jsonschema:"description=Emulation speed multiplier where 1 is full speed"`
}

type emulationStateArgs struct {
	Action string `json:"action" jsonschema:"enum=play,enum=pause,description=Whether to resume or pause emulation"`
}

type bootArgs struct {
	GamePath string `json:"game_path" jsonschema:"description=Path of the game image inside the container"`
}

type setupMemWatchesArgs struct {
	Watches map[string]emulation.MemoryWatch `json:"watches" jsonschema:"description=Watches keyed by the name used to read them back"`
}

type readMemWatchesArgs struct {
	Names []string `json:"names" jsonschema:"description=Names of previously configured watches"`
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: text}}}
}

func errorResult(text string) *mcp.CallToolResult {
	res := textResult(text)
	res.IsError = true
	return res
}

func boolResult(op string, r emulation.Result[bool]) *mcp.CallToolResult {
	if !r.OK() {
		return errorResult("emulator request failed: " + op)
	}
	return textResult("ok")
}

func emulatorTools(emu Emulator) []toolDef {
	return []toolDef{
		newTool("controller_input", "Set the state of one controller. The controller is always reported as connected.",
			func(ctx context.Context, test *sessions.Test, args controllerInputArgs) (*mcp.CallToolResult, error) {
				if args.Port < 0 || args.Port > 3 {
					return errorResult("port must be between 0 and 3"), nil
				}
				return boolResult("controller_input", emu.PostControllerInput(ctx, test, args.Input, args.Port)), nil
			}),
		newTool("screenshot", "Capture the current frame as a PNG image.",
			func(ctx context.Context, test *sessions.Test, _ screenshotArgs) (*mcp.CallToolResult, error) {
				img, ok := emu.Screenshot(ctx, test).Get()
				if !ok {
					return errorResult("emulator request failed: screenshot"), nil
				}
				return &mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeImage, Data: img, MimeType: "image/png"}}}, nil
			}),
		newTool("save_state", "Save emulator state to a slot or a named file. Provide exactly one of slot or file.",
			func(ctx context.Context, test *sessions.Test, args stateArgs) (*mcp.CallToolResult, error) {
				return stateCall(ctx, test, args, "save_state", emu.SaveStateSlot, emu.SaveStateFile), nil
			}),
		newTool("load_state", "Load emulator state from a slot or a named file. Provide exactly one of slot or file.",
			func(ctx context.Context, test *sessions.Test, args stateArgs) (*mcp.CallToolResult, error) {
				return stateCall(ctx, test, args, "load_state", emu.LoadStateSlot, emu.LoadStateFile), nil
			}),
		newTool("set_speed", "Set the emulation speed multiplier.",
			func(ctx context.Context, test *sessions.Test, args speedArgs) (*mcp.CallToolResult, error) {
				if args.Speed <= 0 {
					return errorResult("speed must be positive"), nil
				}
				return boolResult("set_speed", emu.SetSpeed(ctx, test, args.Speed)), nil
			}),
		newTool("set_emulation_state", "Play or pause emulation.",
			func(ctx context.Context, test *sessions.Test, args emulationStateArgs) (*mcp.CallToolResult, error) {
				action := emulation.StateAction(args.Action)
				if action != emulation.ActionPlay && action != emulation.ActionPause {
					return errorResult(`action must be "play" or "pause"`), nil
				}
				return boolResult("set_emulation_state", emu.SetEmulationState(ctx, test, action)), nil
			}),
		newTool("boot_game", "Boot a game image.",
			func(ctx context.Context, test *sessions.Test, args bootArgs) (*mcp.CallToolResult, error) {
				if args.GamePath == "" {
					return errorResult("game_path is required"), nil
				}
				return boolResult("boot_game", emu.BootGame(ctx, test, args.GamePath)), nil
			}),
		newTool("setup_memwatches", "Replace the set of watched memory locations.",
			func(ctx context.Context, test *sessions.Test, args setupMemWatchesArgs) (*mcp.CallToolResult, error) {
				if len(args.Watches) == 0 {
					return errorResult("at least one watch is required"), nil
				}
				return boolResult("setup_memwatches", emu.SetupMemWatches(ctx, test, args.Watches)), nil
			}),
		newTool("read_memwatches", "Read the current values of named memory watches.",
			func(ctx context.Context, test *sessions.Test, args readMemWatchesArgs) (*mcp.CallToolResult, error) {
				if len(args.Names) == 0 {
					return errorResult("at least one name is required"), nil
				}
				values, ok := emu.ReadMemWatches(ctx, test, args.Names).Get()
				if !ok {
					return errorResult("emulator request failed: read_memwatches"), nil
				}
				b, err := json.Marshal(values)
				if err != nil {
					return nil, fmt.Errorf("encode memwatch values: %w", err)
				}
				return textResult(string(b)), nil
			}),
	}
}

func stateCall(
	ctx context.Context,
	test *sessions.Test,
	args stateArgs,
	op string,
	bySlot func(context.Context, *sessions.Test, int) emulation.Result[bool],
	byFile func(context.Context, *sessions.Test, string) emulation.Result[bool],
) *mcp.CallToolResult {
	switch {
	case args.Slot != nil && args.File != "":
		return errorResult("provide either slot or file, not both")
	case args.Slot != nil:
		return boolResult(op, bySlot(ctx, test, *args.Slot))
	case args.File != "":
		return boolResult(op, byFile(ctx, test, args.File))
	default:
		return errorResult("slot or file is required")
	}
}
