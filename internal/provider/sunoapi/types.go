package sunoapi

import "github.com/kiranshivaraju/songforge/pkg/models"

type envelope[T any] struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data T      `json:"data"`
}

type submitData struct {
	TaskID string `json:"taskId"`
}

type generateRequest struct {
	Prompt       string `json:"prompt,omitempty"`
	Style        string `json:"style,omitempty"`
	Title        string `json:"title,omitempty"`
	CustomMode   bool   `json:"customMode"`
	Instrumental bool   `json:"instrumental"`
	Model        string `json:"model"`
	CallBackURL  string `json:"callBackUrl"`
}

func newGenerateRequest(req models.Submission) generateRequest {
	in := req.Inputs
	g := generateRequest{
		Style:        in.Style,
		Title:        in.Title,
		CustomMode:   true,
		Instrumental: in.Instrumental,
		Model:        in.EffectiveModel,
		CallBackURL:  req.CallbackURL,
	}
	if !in.Instrumental {
		g.Prompt = in.Prompt
	}
	return g
}

type uploadCoverRequest struct {
	UploadURL           string   `json:"uploadUrl"`
	Prompt              string   `json:"prompt,omitempty"`
	Style               string   `json:"style,omitempty"`
	Title               string   `json:"title,omitempty"`
	CustomMode          bool     `json:"customMode"`
	Instrumental        bool     `json:"instrumental"`
	Model               string   `json:"model"`
	CallBackURL         string   `json:"callBackUrl"`
	VocalGender         string   `json:"vocalGender,omitempty"`
	StyleWeight         *float64 `json:"styleWeight,omitempty"`
	WeirdnessConstraint *float64 `json:"weirdnessConstraint,omitempty"`
	AudioWeight         *float64 `json:"audioWeight,omitempty"`
}

func newUploadCoverRequest(req models.Submission) uploadCoverRequest {
	in := req.Inputs
	u := uploadCoverRequest{
		UploadURL:    in.SourceAudioURL,
		Style:        in.Style,
		Title:        in.Title,
		CustomMode:   true,
		Instrumental: in.Instrumental,
		Model:        in.EffectiveModel,
		CallBackURL:  req.CallbackURL,
	}
	if !in.Instrumental {
		u.Prompt = in.Prompt
	}
	if t := in.Tuning; t != nil {
		u.VocalGender = t.VocalGender
		u.StyleWeight = t.StyleWeight
		u.WeirdnessConstraint = t.WeirdnessConstraint
		u.AudioWeight = t.AudioWeight
	}
	return u
}

type lyricsRequest struct {
	Prompt      string `json:"prompt"`
	CallBackURL string `json:"callBackUrl"`
}

type recordInfo struct {
	TaskID       string         `json:"taskId"`
	Status       string         `json:"status"`
	ErrorMessage string         `json:"errorMessage"`
	Response     recordResponse `json:"response"`
}

type recordResponse struct {
	SunoData   []sunoTrack  `json:"sunoData"`
	LyricsData []lyricsItem `json:"data"`
}

type sunoTrack struct {
	ID             string  `json:"id"`
	AudioURL       string  `json:"audioUrl"`
	StreamAudioURL string  `json:"streamAudioUrl"`
	ImageURL       string  `json:"imageUrl"`
	Title          string  `json:"title"`
	Duration       float64 `json:"duration"`
}

type lyricsItem struct {
	Text   string `json:"text"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

type callbackPayload struct {
	Code int          `json:"code"`
	Msg  string       `json:"msg"`
	Data callbackData `json:"data"`
}

type callbackData struct {
	CallbackType string         `json:"callbackType"`
	TaskID       string         `json:"task_id"`
	Data         []callbackItem `json:"data"`
}

type callbackItem struct {
	ID             string  `json:"id"`
	AudioURL       string  `json:"audio_url"`
	StreamAudioURL string  `json:"stream_audio_url"`
	ImageURL       string  `json:"image_url"`
	Title          string  `json:"title"`
	Duration       float64 `json:"duration"`
	Text           string  `json:"text"`
}
