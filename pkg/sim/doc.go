// Package sim is a simulated pvlink server backed by an in-memory record
// database.
//
// Records are loaded from YAML with $(NAME) macro substitution:
//
//	records:
//	  - name: "$(P):SET"
//	    type: double
//	    drvl: -10
//	    drvh: 10
//	    drive: {readback: "$(P):READ", done: "$(P):DONE", rate: 20}
//
// A record with a drive section behaves like a slow positioner. A write to
// it sets the done record to 0 (ACTIVE) before the write completes, ramps
// the readback towards the new setpoint and sets done back to 1 when it
// arrives. Writes with completion notification are acknowledged after the
// done record went active; plain writes are acknowledged on receipt and
// processed WriteDelay later.
//
// Monitors honour the record deadbands: MDEL for value events, ADEL for
// log events, and alarm events on severity or status changes.
//
// A Server is reached either through a Loopback, an in-memory
// transport.Transport, or over TCP via NewTCPServer.
package sim
