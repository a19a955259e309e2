package blehealth

import _ "embed"

// DemoScript is the measurement script used by "emulate --demo". It defines
// measure(profile, tick) for every supported profile.
//
//go:embed scripts/demo.lua
var DemoScript string

// DemoScriptName identifies DemoScript in Lua error messages.
const DemoScriptName = "demo.lua"
