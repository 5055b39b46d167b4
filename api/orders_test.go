package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mandihq/mandi/catalog"
	"github.com/mandihq/mandi/errs"
	"github.com/mandihq/mandi/lifecycle"
	"github.com/mandihq/mandi/uploads"
)

func TestTransitionAppliesChange(t *testing.T) {
	var f = newFixture(t)
	var req = authed(jsonRequest(t, "POST", "/api/v1/orders/order-1/accept", nil), f.token(t, "admin-7"))

	var rec, body = serve(t, f.router(t), req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "order-1", body["id"])
	require.Equal(t, string(lifecycle.StatusAccepted), body["status"])

	require.Len(t, f.machine.calls, 1)
	require.Equal(t, "order-1", f.machine.calls[0].orderID)
	require.Equal(t, lifecycle.Change{To: lifecycle.StatusAccepted, Actor: "admin-7"}, f.machine.calls[0].change)
}

func TestTransitionActorFromBodyOverridesToken(t *testing.T) {
	var f = newFixture(t)
	var req = authed(jsonRequest(t, "POST", "/api/v1/orders/order-1/cancel", map[string]string{
		"actor":  "ops-user-9",
		"reason": "retailer asked to cancel",
	}), f.token(t, "dashboard-service"))

	var rec, _ = serve(t, f.router(t), req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, lifecycle.Change{
		To:     lifecycle.StatusCancelled,
		Actor:  "ops-user-9",
		Reason: "retailer asked to cancel",
	}, f.machine.calls[0].change)
}

func TestTransitionAssignVendorRequiresVendorID(t *testing.T) {
	var f = newFixture(t)
	var router = f.router(t)
	var token = f.token(t, "admin-7")

	var rec, body = serve(t, router, authed(jsonRequest(t, "POST", "/api/v1/orders/order-1/assign-vendor", nil), token))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, string(errs.Validation), errorCode(body))
	require.Empty(t, f.machine.calls)

	rec, _ = serve(t, router, authed(jsonRequest(t, "POST", "/api/v1/orders/order-1/assign-vendor", map[string]string{
		"vendor_id": "vendor-3",
	}), token))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "vendor-3", f.machine.calls[0].change.VendorID)
	require.Equal(t, lifecycle.StatusVendorAssigned, f.machine.calls[0].change.To)
}

func TestTransitionIllegalEdgeIsConflict(t *testing.T) {
	var f = newFixture(t)
	f.machine.err = errs.New(errs.Conflict, "cannot transition order ORD-20260825-TEST0001 from DELIVERED to ACCEPTED")

	var req = authed(jsonRequest(t, "POST", "/api/v1/orders/order-1/accept", nil), f.token(t, "admin-7"))
	var rec, body = serve(t, f.router(t), req)

	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, string(errs.Conflict), errorCode(body))
}

func TestGetOrderAggregatesHistoryAndAssignment(t *testing.T) {
	var f = newFixture(t)
	var vendor = "vendor-3"
	f.orders.orders["order-1"] = lifecycle.Order{
		ID:          "order-1",
		OrderNumber: "ORD-20260825-AB12CD34",
		RetailerID:  "retailer-1",
		VendorID:    &vendor,
		Status:      lifecycle.StatusVendorAssigned,
	}
	f.orders.logs["order-1"] = []lifecycle.StatusLog{
		{ID: 1, OrderID: "order-1", From: lifecycle.StatusDraft, To: lifecycle.StatusConfirmed},
		{ID: 2, OrderID: "order-1", From: lifecycle.StatusConfirmed, To: lifecycle.StatusVendorAssigned},
	}
	f.retries.pending["order-1"] = lifecycle.Retry{
		ID:       "retry-1",
		OrderID:  "order-1",
		Attempt:  1,
		VendorID: "vendor-3",
		Status:   lifecycle.RetryPending,
	}

	var req = authed(httptest.NewRequest("GET", "/api/v1/orders/order-1", nil), f.token(t, "admin-7"))
	var rec, body = serve(t, f.router(t), req)

	require.Equal(t, http.StatusOK, rec.Code)

	var order = body["order"].(map[string]interface{})
	require.Equal(t, "order-1", order["id"])
	require.Equal(t, "ORD-20260825-AB12CD34", order["order_number"])

	require.Len(t, body["status_log"], 2)

	var pending = body["pending_assignment"].(map[string]interface{})
	require.Equal(t, "retry-1", pending["id"])
	require.Equal(t, "vendor-3", pending["vendor_id"])
}

func TestGetOrderOmitsAssignmentWhenNonePending(t *testing.T) {
	var f = newFixture(t)
	f.orders.orders["order-1"] = lifecycle.Order{ID: "order-1", Status: lifecycle.StatusCompleted}

	var req = authed(httptest.NewRequest("GET", "/api/v1/orders/order-1", nil), f.token(t, "admin-7"))
	var rec, body = serve(t, f.router(t), req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, body, "pending_assignment")
}

func TestGetOrderUnknownIsNotFound(t *testing.T) {
	var f = newFixture(t)
	var req = authed(httptest.NewRequest("GET", "/api/v1/orders/ghost", nil), f.token(t, "admin-7"))

	var rec, body = serve(t, f.router(t), req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, string(errs.NotFound), errorCode(body))
}

func multipartUpload(t *testing.T, retailerID string, image []byte) *http.Request {
	var buf bytes.Buffer
	var w = multipart.NewWriter(&buf)
	if retailerID != "" {
		require.NoError(t, w.WriteField("retailer_id", retailerID))
	}
	var fw, err = w.CreateFormFile("image", "order.jpg")
	require.NoError(t, err)
	_, err = fw.Write(image)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var req = httptest.NewRequest("POST", "/api/v1/orders/upload-image", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestUploadImageSpoolsRecordsAndTracks(t *testing.T) {
	var f = newFixture(t)
	var lastOrder = time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	f.catalog.retailers["retailer-1"] = catalog.Retailer{
		ID:          "retailer-1",
		Phone:       "+919900000001",
		LastOrderAt: &lastOrder,
	}
	var image = []byte("jpeg-bytes-of-a-handwritten-order")

	var req = authed(multipartUpload(t, "retailer-1", image), f.token(t, "admin-7"))
	var rec, body = serve(t, f.router(t), req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "ev-1", body["uploaded_order_id"])
	require.Equal(t, string(uploads.StatusProcessing), body["status"])

	// The upload row and the stored event converge on the same id, and the
	// event's payload points the media pipeline at the spooled file.
	require.Equal(t, []string{"ev-1"}, f.uploads.created)
	require.Len(t, f.events.stored, 1)
	require.Equal(t, "+919900000001", f.events.stored[0].channel)

	var payload webhookBody
	require.NoError(t, json.Unmarshal(f.events.stored[0].payload, &payload))
	require.Equal(t, "+919900000001", payload.ChannelID)
	require.Equal(t, f.uploads.rows["ev-1"].ImageRef, payload.Media)

	spooled, err := os.ReadFile(payload.Media)
	require.NoError(t, err)
	require.Equal(t, image, spooled)

	require.Equal(t, 1, f.worker.count())
}

func TestUploadImageRequiresRetailerField(t *testing.T) {
	var f = newFixture(t)
	var req = authed(multipartUpload(t, "", []byte("img")), f.token(t, "admin-7"))

	var rec, body = serve(t, f.router(t), req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, string(errs.Validation), errorCode(body))
}

func TestUploadImageUnknownRetailerIsNotFound(t *testing.T) {
	var f = newFixture(t)
	var req = authed(multipartUpload(t, "ghost", []byte("img")), f.token(t, "admin-7"))

	var rec, body = serve(t, f.router(t), req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, string(errs.NotFound), errorCode(body))
	require.Empty(t, f.events.stored)
}

func TestUploadStatusReturnsRow(t *testing.T) {
	var f = newFixture(t)
	var orderID = "order-9"
	f.uploads.rows["up-1"] = uploads.Upload{
		ID:         "up-1",
		RetailerID: "retailer-1",
		Status:     uploads.StatusCompleted,
		OrderID:    &orderID,
	}
	var router = f.router(t)
	var token = f.token(t, "admin-7")

	var rec, body = serve(t, router, authed(httptest.NewRequest("GET", "/api/v1/orders/upload-image/up-1", nil), token))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "up-1", body["id"])
	require.Equal(t, string(uploads.StatusCompleted), body["status"])
	require.Equal(t, "order-9", body["order_id"])

	rec, body = serve(t, router, authed(httptest.NewRequest("GET", "/api/v1/orders/upload-image/ghost", nil), token))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, string(errs.NotFound), errorCode(body))
}
