// Package fpgaboot brings up an FPGA that shares its configuration SPI bus
// with the host, then serves a command shell over a USB serial link.
//
// Boot order: the done monitor is armed, the bus is handed to the FPGA, PROG
// is pulsed and DONE is polled with a timeout. Afterwards the controller
// spawns one shell session per connection and waits for it to end.
//
// # References:
//
// FTDI (https://ftdichip.com/document/application-notes/)
//   - [FTDI-AN_108]: Command Processor for MPSSE and MCU Host Bus Emulation Modes (https://ftdichip.com/wp-content/uploads/2020/08/AN_108_Command_Processor_for_MPSSE_and_MCU_Host_Bus_Emulation_Modes.pdf)
//   - [FTDI-AN_114]: Interfacing FT2232H Hi-Speed Devices To SPI Bus (https://ftdichip.com/wp-content/uploads/2020/08/AN_114_FTDI_Hi_Speed_USB_To_SPI_Example.pdf)
//   - [FTDI-AN_135]: FTDI MPSSE Basics (https://ftdichip.com/wp-content/uploads/2020/08/AN_135_MPSSE_Basics.pdf)
//
// FPGA
//   - [UG470]: 7 Series FPGAs Configuration User Guide, PROGRAM_B/INIT_B/DONE and M[2:0] sampling (https://docs.amd.com/v/u/en-US/ug470_7Series_Config)
//
// SPI Flash
//   - [N25Q32]: N25Q032A Micron Serial NOR Flash Memory datasheet
//   - [W25Q128]: W25Q128JV-DTR Winbond Serial Flash Memory (https://www.winbond.com/resource-files/W25Q128JV_DTR%20RevD%2012232024%20Plus.pdf)
package fpgaboot
