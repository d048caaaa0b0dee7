package emulation

// ControllerInput is the state of one GameCube controller.
type ControllerInput struct {
	A     bool `json:"a" jsonschema:"description=A button"`
	B     bool `json:"b" jsonschema:"description=B button"`
	X     bool `json:"x" jsonschema:"description=X button"`
	Y     bool `json:"y" jsonschema:"description=Y button"`
	Z     bool `json:"z" jsonschema:"description=Z trigger"`
	L     bool `json:"l" jsonschema:"description=L trigger digital press"`
	R     bool `json:"r" jsonschema:"description=R trigger digital press"`
	Start bool `json:"start" jsonschema:"description=Start button"`

	DUp    bool `json:"d_up" jsonschema:"description=D-pad up"`
	DDown  bool `json:"d_down" jsonschema:"description=D-pad down"`
	DLeft  bool `json:"d_left" jsonschema:"description=D-pad left"`
	DRight bool `json:"d_right" jsonschema:"description=D-pad right"`

	MainStickX float64 `json:"main_stick_x" jsonschema:"description=Main stick X axis (0 to 1; 0.5 is neutral)"`
	MainStickY float64 `json:"main_stick_y" jsonschema:"description=Main stick Y axis (0 to 1; 0.5 is neutral)"`
	CStickX    float64 `json:"c_stick_x" jsonschema:"description=C stick X axis (0 to 1; 0.5 is neutral)"`
	CStickY    float64 `json:"c_stick_y" jsonschema:"description=C stick Y axis (0 to 1; 0.5 is neutral)"`
	LAnalog    float64 `json:"l_analog" jsonschema:"description=Analog L trigger (0 to 1)"`
	RAnalog    float64 `json:"r_analog" jsonschema:"description=Analog R trigger (0 to 1)"`

	// Connected is always sent as true.
	Connected bool `json:"connected" jsonschema:"-"`
}

// MemoryWatch describes one memory location the emulator should sample.
type MemoryWatch struct {
	Address string `json:"address" jsonschema:"description=Emulated memory address (hex string)"`
	Size    int    `json:"size,omitempty" jsonschema:"description=Width of the value in bytes"`
}

// StateAction is the action of an emulation state request.
type StateAction string

const (
	ActionSave  StateAction = "save"
	ActionLoad  StateAction = "load"
	ActionPlay  StateAction = "play"
	ActionPause StateAction = "pause"
)

type stateRequest struct {
	Action StateAction `json:"action"`
	To     any         `json:"to,omitempty"`
}

type speedRequest struct {
	Speed float64 `json:"speed"`
}

type bootRequest struct {
	GamePath string `json:"game_path"`
}

type memWatchSetupRequest struct {
	Watches map[string]MemoryWatch `json:"watches"`
}

type memWatchValuesResponse struct {
	Values map[string]any `json:"values"`
}
