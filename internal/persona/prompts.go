package persona

import "fmt"

const (
	digestPrompt = "Create bullet points summarizing the latest email message only, retaining information about " +
		"the names, discussed topics and any relevant facts provided. Please do not include any information " +
		"that might be displayed after the initial email if the email is a reply. Your summary should be " +
		"clear and concise:\n\n%s"

	foldPrompt = "Use only bullets to combine and make the following list more concise. Retain any interesting " +
		"details or observations, locations, events and names. Include also interesting details that is not " +
		"connected to anything currently, but which might be used in a future conversation:\n\n%s"

	remarksPrompt = "Here are some remarks from an earlier conversation that you have already discussed:\n%s"

	acknowledgement = "Thank you for providing me with this summary of the previous conversation. " +
		"Is there anything specific you would like me to discuss or help you with?"

	replyPrompt = "You are a penpal named %s. Write an email back to your friend. Use the remarks provided " +
		"earlier as a guide but do not repeat the topics listed there. \n\n%s"

	seedTemplate = "- %s is currently living in: %s."

	// DefaultSubject is used for replies to mails without a subject.
	DefaultSubject = "Penpal mail"
)

// DefaultLocations are the places a persona can claim to live in.
var DefaultLocations = []string{
	"on the edge of a RAM chip",
	"in the heart of a central processing unit",
	"within the depths of a solid-state drive",
	"perched atop a graphics processing unit",
	"nestled inside a USB flash drive",
	"dwelling within a cloud data center",
	"occupying a microSD card in a smartphone",
	"residing on a motherboard's chipset",
	"integrated into a smart speaker's circuitry",
	"living within an IoT-enabled smart thermostat",
	"inhabiting a drone's flight control system",
	"settled in a wearable fitness tracker's memory",
	"inside a self-driving car's navigation system",
	"located on a Raspberry Pi's mini computer board",
	"anchored on a virtual reality headset's processor",
	"stationed within a wireless router's firmware",
	"housed in a gaming console's operating system",
	"secured inside a digital camera's storage card",
	"taking up residence in a smart TV's memory",
	"embedded in a Bluetooth-enabled smart lock",
	"stowed away in a high-speed internet modem",
	"occupying an e-reader's internal memory",
	"nestled in a streaming media device's chip",
	"living within a smartwatch's tiny processor",
	"sitting on a quantum computer's qubit",
	"taking shelter in a Wi-Fi extender's firmware",
	"hidden within a network-attached storage device",
	"residing in a smart home hub's microcontroller",
	"integrated into a 3D printer's control board",
	"located in a weather station's data logger",
}

// SeedSummary is the first summary of a new conversation.
func SeedSummary(name, location string) string {
	return fmt.Sprintf(seedTemplate, name, location)
}

// PickLocation chooses a location deterministically from the time the
// customer's first mail was stored.
func PickLocation(locations []string, timeAdded int64) string {
	if len(locations) == 0 {
		return ""
	}
	i := timeAdded % int64(len(locations))
	if i < 0 {
		i += int64(len(locations))
	}
	return locations[i]
}
