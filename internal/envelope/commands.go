package envelope

// Commands carried by outbound envelopes. Replies echo the command of the request
// they answer; pushes use their own names.
const (
	CmdSearchStop        = "searchStop"
	CmdDiscoveredDevice  = "discoveredDevice"
	CmdGetRSSI           = "getRssiForDevice"
	CmdConnect           = "connectToDevice"
	CmdDisconnected      = "disconnectedFromDevice"
	CmdRequestMTU        = "requestMtuSize"
	CmdRead              = "readFromCharacteristic"
	CmdWrite             = "writeToCharacteristic"
	CmdSubscribe         = "subscribeToCharacteristic"
	CmdUnsubscribe       = "unsubscribeToCharacteristic"
	CmdValueChanged      = "characteristicValueChanged"
	CmdStartHeartRate    = "startHeartRateStream"
	CmdStopHeartRate     = "stopHeartRateStream"
	CmdHeartRateSample   = "heartRateSample"
	CmdLoggerSetFilePath = "SET_FILE_PATH"
	CmdLoggerError       = "ERROR"
	CmdStartTrial        = "startTrial"
	CmdCompleteTrial     = "completeTrial"
	CmdTrialProgress     = "getTrialProgress"
)

// LoggerRequestID tags every envelope produced by the file logger.
const LoggerRequestID = "CSV_LOGGER"

// Status values carried in structuredData.status.
const (
	StatusAccepted  = "accepted"
	StatusCompleted = "completed"
)
