package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/trip-promo/internal/domain/promo"
)

type purchaseRequest struct {
	code     string
	purchase promo.PurchaseContext
	hasAmt   bool
}

func decodePurchase(r *http.Request) (purchaseRequest, error) {
	var req purchaseRequest
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			req.code, err = d.Str()
		case "userId":
			req.purchase.UserID, err = d.Str()
		case "purchaseAmount":
			req.purchase.PurchaseAmount, err = decodeMoney(d, "purchaseAmount")
			req.hasAmt = err == nil
		case "templateId":
			req.purchase.TemplateID, err = d.Str()
		case "creatorId":
			req.purchase.CreatorID, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return req, err
	}
	switch {
	case req.code == "":
		return req, &promo.InvalidFieldError{Field: "code", Message: "required"}
	case !req.hasAmt:
		return req, &promo.InvalidFieldError{Field: "purchaseAmount", Message: "required"}
	}
	return req, nil
}

// ValidatePromoCode handles POST /promo/validate. Rejections are reported
// with 200 and valid=false since nothing was attempted.
func (h *Handler) ValidatePromoCode(w http.ResponseWriter, r *http.Request) {
	req, err := decodePurchase(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	v, err := h.svc.ValidatePromoCode(r.Context(), req.code, req.purchase)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("valid")
	e.Bool(v.Accepted())
	if !v.Accepted() {
		e.FieldStart("reason")
		e.Str(string(v.Reason))
		e.FieldStart("message")
		e.Str(v.Reason.Message())
	}
	if v.Code != nil {
		e.FieldStart("promoCodeId")
		e.Str(v.Code.ID.String())
		e.FieldStart("code")
		e.Str(v.Code.Code)
	}
	e.FieldStart("discountApplied")
	e.Str(v.Discount.String())
	e.FieldStart("finalAmount")
	e.Str(req.purchase.PurchaseAmount.Sub(v.Discount).String())
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}

// RedeemPromoCode handles POST /promo/redeem.
func (h *Handler) RedeemPromoCode(w http.ResponseWriter, r *http.Request) {
	req, err := decodePurchase(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.svc.RedeemPromoCode(r.Context(), req.code, req.purchase)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !res.Accepted() {
		writeRejection(w, res.Reason)
		return
	}

	var e jx.Encoder
	encodeRedemption(&e, res.Code.Code, res.Redemption)
	writeJSON(w, http.StatusOK, &e)
}
