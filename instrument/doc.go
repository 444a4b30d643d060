// Package instrument implements an IEEE 488.2 instrument with the SCPI
// status model.
//
// The status structures follow IEEE 488.2 chapter 11 and SCPI 1999 chapter
// 9: the status byte (STB) and service request enable (SRE), the standard
// event status register (ESR) and its enable (ESE), the OPERation and
// QUEStionable register groups with transition filters, the error/event
// queue and the output queue.
//
// Program messages written with [Instrument.Write] are split into message
// units and executed. The command set is the IEEE 488.2 common commands
// (*IDN? *RST *CLS *ESE *ESR? *SRE *STB? *OPC *TST? *WAI *TRG) plus
// SYSTem:ERRor[:NEXT]? and the STATus subsystem. Query responses are joined
// into one response message and dequeued with [Instrument.Read].
//
// [Instrument.MaintainRegisters] samples the condition sources and
// recomputes the summary bits; the firmware calls it on a fixed cadence from
// the register task.
package instrument
