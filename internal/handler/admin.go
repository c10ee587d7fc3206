package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
	"github.com/google/uuid"

	"github.com/xenking/trip-promo/internal/domain/promo"
)

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeMessage(w, http.StatusNotFound, promo.ErrNotFound.Error())
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &promo.InvalidFieldError{Field: name, Message: "must be a non-negative integer"}
	}
	return n, nil
}

// ListPromoCodes handles GET /admin/promo-codes.
func (h *Handler) ListPromoCodes(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	active, _ := strconv.ParseBool(r.URL.Query().Get("active"))

	codes, err := h.svc.ListPromoCodes(r.Context(), promo.ListFilter{ActiveOnly: active, Limit: limit, Offset: offset})
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	e.ArrStart()
	for i := range codes {
		encodeCode(&e, &codes[i])
	}
	e.ArrEnd()
	writeJSON(w, http.StatusOK, &e)
}

// CreatePromoCode handles POST /admin/promo-codes.
func (h *Handler) CreatePromoCode(w http.ResponseWriter, r *http.Request) {
	var (
		p            promo.CreateParams
		discountType string
		amount       string
	)
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			p.Code, err = d.Str()
		case "description":
			p.Description, err = d.Str()
		case "discountType":
			discountType, err = d.Str()
		case "discountAmount":
			amount, err = decodeDecimal(d)
		case "minimumPurchase":
			p.MinimumPurchase, err = decodeMoney(d, key)
		case "maxUses":
			p.MaxUses, err = d.Int()
		case "maxUsesPerUser":
			p.MaxUsesPerUser, err = d.Int()
		case "validFrom":
			p.ValidFrom, err = decodeTime(d, key)
		case "validUntil":
			p.ValidUntil, err = decodeTime(d, key)
		case "templateId":
			p.ScopeTemplateID, err = d.Str()
		case "creatorId":
			p.ScopeCreatorID, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if amount == "" {
		writeError(w, r, &promo.InvalidFieldError{Field: "discountAmount", Message: "required"})
		return
	}
	if p.Discount, err = promo.ParseDiscount(promo.DiscountType(discountType), amount); err != nil {
		writeError(w, r, err)
		return
	}

	c, err := h.svc.CreatePromoCode(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", r.URL.Path+"/"+c.ID.String())

	var e jx.Encoder
	encodeCode(&e, c)
	writeJSON(w, http.StatusCreated, &e)
}

// GetPromoCode handles GET /admin/promo-codes/{id}.
func (h *Handler) GetPromoCode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	c, err := h.svc.GetPromoCode(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var e jx.Encoder
	encodeCode(&e, c)
	writeJSON(w, http.StatusOK, &e)
}

// UpdatePromoCode handles PATCH /admin/promo-codes/{id}. The code string and
// the discount are frozen after creation.
func (h *Handler) UpdatePromoCode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var p promo.UpdateParams
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		switch key {
		case "code", "discountType", "discountAmount":
			return &promo.InvalidFieldError{Field: key, Message: "cannot be changed after creation"}
		case "description":
			v, err := d.Str()
			p.Description = promo.SetField(v)
			return err
		case "minimumPurchase":
			v, err := decodeMoney(d, key)
			p.MinimumPurchase = promo.SetField(v)
			return err
		case "maxUses":
			v, err := d.Int()
			p.MaxUses = promo.SetField(v)
			return err
		case "maxUsesPerUser":
			v, err := d.Int()
			p.MaxUsesPerUser = promo.SetField(v)
			return err
		case "validFrom":
			v, err := decodeTime(d, key)
			p.ValidFrom = promo.SetField(v)
			return err
		case "validUntil":
			v, err := decodeTime(d, key)
			p.ValidUntil = promo.SetField(v)
			return err
		case "templateId":
			v, err := d.Str()
			p.ScopeTemplateID = promo.SetField(v)
			return err
		case "creatorId":
			v, err := d.Str()
			p.ScopeCreatorID = promo.SetField(v)
			return err
		case "isActive":
			v, err := d.Bool()
			p.IsActive = promo.SetField(v)
			return err
		default:
			return d.Skip()
		}
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	c, err := h.svc.UpdatePromoCode(r.Context(), id, p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var e jx.Encoder
	encodeCode(&e, c)
	writeJSON(w, http.StatusOK, &e)
}

// DeletePromoCode handles DELETE /admin/promo-codes/{id}.
func (h *Handler) DeletePromoCode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeletePromoCode(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListRedemptions handles GET /admin/promo-codes/{id}/redemptions.
func (h *Handler) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rs, err := h.svc.ListRedemptions(r.Context(), id, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	e.ArrStart()
	for i := range rs {
		encodeRedemption(&e, "", &rs[i])
	}
	e.ArrEnd()
	writeJSON(w, http.StatusOK, &e)
}

// GetStats handles GET /admin/promo-stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	top, err := queryInt(r, "top", h.defaultTop)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if top == 0 {
		top = h.defaultTop
	}
	s, err := h.svc.GetStats(r.Context(), top)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("totalCodes")
	e.Int(s.TotalCodes)
	e.FieldStart("activeCodes")
	e.Int(s.ActiveCodes)
	e.FieldStart("totalRedemptions")
	e.Int(s.TotalRedemptions)
	e.FieldStart("totalDiscount")
	e.Str(s.TotalDiscount.String())
	encodeTime(&e, "generatedAt", &s.GeneratedAt)
	e.FieldStart("top")
	e.ArrStart()
	for _, cs := range s.Top {
		e.ObjStart()
		e.FieldStart("promoCodeId")
		e.Str(cs.PromoCodeID.String())
		e.FieldStart("code")
		e.Str(cs.Code)
		e.FieldStart("redemptions")
		e.Int(cs.Redemptions)
		e.FieldStart("totalDiscount")
		e.Str(cs.TotalDiscount.String())
		e.ObjEnd()
	}
	e.ArrEnd()
	e.ObjEnd()
	writeJSON(w, http.StatusOK, &e)
}
