package bridge

import (
	"time"

	"github.com/srg/blehost/internal/device"
	"github.com/srg/blehost/internal/envelope"
	"github.com/srg/blehost/internal/platform"
	"github.com/srg/blehost/internal/transport"
)

// Inbound command names understood by Dispatch.
const (
	ReqSearch           = "searchForBleDevices"
	ReqSearchFiltered   = "searchForBleDevicesWithFilter"
	ReqGetRSSI          = "getRssiForDevice"
	ReqConnect          = "connectToBleDevice"
	ReqDisconnect       = "disconnectFromBleDevice"
	ReqChangeMTU        = "changeMtuSize"
	ReqRead             = "readFromCharacteristic"
	ReqWrite            = "writeToCharacteristic"
	ReqSubscribe        = "subscribeToCharacteristic"
	ReqUnsubscribe      = "unsubscribeFromCharacteristic"
	ReqStartHeartRate   = "startHeartRateStream"
	ReqStopHeartRate    = "stopHeartRateStream"
	ReqSetCSVPath       = "setCsvFilePath"
	ReqLogCSV           = "logCsvData"
	ReqCloseCSV         = "closeCsvFile"
	ReqStartTrial       = "startTrial"
	ReqCompleteTrial    = "completeTrial"
	ReqGetTrialProgress = "getTrialProgress"
)

// Dispatch runs the operation named by req.Command. Its result is the same error the
// host already received as an envelope, if any.
func (b *Bridge) Dispatch(req transport.Request) error {
	if req.Command == "" {
		return b.fail(envelope.New(req.RequestID, ""), device.Newf(device.InvalidRequest, "command is empty"))
	}

	scanDuration := time.Duration(req.ScanDurationMs) * time.Millisecond

	switch req.Command {
	case ReqSearch:
		return b.Search(req.RequestID, scanDuration)
	case ReqSearchFiltered:
		return b.SearchFiltered(req.RequestID, scanDuration, platform.ScanFilter{
			Address:     req.AddressFilter,
			Name:        req.NameFilter,
			ServiceUUID: req.ServiceFilter,
		})
	case ReqGetRSSI:
		return b.GetSignalStrength(req.RequestID, req.Address)
	case ReqConnect:
		hint, err := platform.ParseTransportHint(req.Transport)
		if err != nil {
			return b.fail(envelope.New(req.RequestID, envelope.CmdConnect).WithDevice(req.Address, ""), err)
		}
		return b.Connect(req.RequestID, req.Address, hint)
	case ReqDisconnect:
		return b.Disconnect(req.RequestID, req.Address)
	case ReqChangeMTU:
		return b.SetTransferUnitSize(req.RequestID, req.Address, req.MTU)
	case ReqRead:
		return b.Read(req.RequestID, req.Address, req.ServiceID, req.CharacteristicID)
	case ReqWrite:
		return b.Write(req.RequestID, req.Address, req.ServiceID, req.CharacteristicID, req.Payload)
	case ReqSubscribe:
		return b.Subscribe(req.RequestID, req.Address, req.ServiceID, req.CharacteristicID)
	case ReqUnsubscribe:
		return b.Unsubscribe(req.RequestID, req.Address, req.ServiceID, req.CharacteristicID)
	case ReqStartHeartRate:
		return b.StartHeartRateStream(req.RequestID, req.Address)
	case ReqStopHeartRate:
		return b.StopHeartRateStream(req.RequestID, req.Address)
	case ReqSetCSVPath:
		return b.OpenLog(req.Path)
	case ReqLogCSV:
		return b.AppendLog(req.Line)
	case ReqCloseCSV:
		return b.CloseLog()
	case ReqStartTrial:
		return b.StartTrial(req.RequestID, req.Participant, req.Condition, req.Block, req.Trial)
	case ReqCompleteTrial:
		return b.CompleteTrial(req.RequestID, req.Trial)
	case ReqGetTrialProgress:
		return b.TrialProgress(req.RequestID, req.Participant, req.Condition)
	default:
		return b.fail(envelope.New(req.RequestID, req.Command),
			device.Newf(device.InvalidRequest, "unknown command %q", req.Command))
	}
}
