package dtc

var SRT4DTCS = map[string]DTCInfo{
	"P0234": {"Turbocharger Overboost Condition", "Boost pressure exceeded the calibrated maximum. Check wastegate actuator and boost control solenoid."},
	"P0299": {"Turbocharger Underboost Condition", "Boost pressure below target. Check for charge pipe leaks, stuck-open wastegate or BOV."},
	"P0335": {"Crankshaft Position Sensor Circuit", "No crank signal detected while the engine is rotating."},
	"P0340": {"Camshaft Position Sensor Circuit", "Cam sensor signal missing or implausible against crank signal."},
	"P0562": {"System Voltage Low", "Charging system voltage below threshold during engine run."},
	"P1684": {"Battery Power To Module Disconnected", "Battery was disconnected within the last 50 starts. Informational."},
	"P0606": {"PCM Processor Fault", "Internal self-test of the powertrain control module failed."},
	"P1294": {"Target Idle Not Reached", "Idle speed outside window. Check for vacuum leaks or throttle body fouling."},
}
