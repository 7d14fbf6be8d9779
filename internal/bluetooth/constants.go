package bluetooth

// Event bus topics owned by the connectivity stack. Payload shapes:
//
//	bt.pair_request   {address, name?}                     agent → approval UI
//	bt.pair_response  {address, approved bool}             approval UI → agent
//	bt.command        {action, address?, alias?, trusted?} any → manager
//	bt.call           {action, number?}                    any → manager
//	bt.status         {connected_devices, current}         manager → any
const (
	TopicPairRequest  = "bt.pair_request"
	TopicPairResponse = "bt.pair_response"
	TopicCommand      = "bt.command"
	TopicCall         = "bt.call"
	TopicStatus       = "bt.status"
)

// BlueZ and freedesktop D-Bus names.
const (
	bluezService      = "org.bluez"
	bluezPath         = "/org/bluez"
	adapterIface      = "org.bluez.Adapter1"
	deviceIface       = "org.bluez.Device1"
	agentIface        = "org.bluez.Agent1"
	agentManagerIface = "org.bluez.AgentManager1"
	propsIface        = "org.freedesktop.DBus.Properties"
	objManagerIface   = "org.freedesktop.DBus.ObjectManager"

	// agentPath is where carpid exports its Agent1 object.
	agentPath = "/com/carpi/agent"
	// agentCapability: we can show a prompt and take a yes/no answer,
	// nothing more.
	agentCapability = "DisplayYesNo"
)

// obexd (session bus) names for phonebook access.
const (
	obexService        = "org.bluez.obex"
	obexPath           = "/org/bluez/obex"
	obexClientIface    = "org.bluez.obex.Client1"
	obexPhonebookIface = "org.bluez.obex.PhonebookAccess1"
	obexTransferIface  = "org.bluez.obex.Transfer1"
)

// oFono HFP call control names. The modem object for a connected phone
// lives at "/hfp" + the BlueZ device path.
const (
	callManagerService = "org.ofono"
	callManagerIface   = "org.ofono.VoiceCallManager"
	hfpModemPrefix     = "/hfp"
)

// Transfer states reported by obexd on Transfer1.Status.
const (
	transferComplete  = "complete"
	transferError     = "error"
	transferCancelled = "cancelled"
)

// Placeholder credentials returned for the PIN/passkey callbacks. This
// agent runs in display-only capability mode and never negotiates real
// numeric comparison.
const (
	placeholderPin     = "0000"
	placeholderPasskey = uint32(0)
)
